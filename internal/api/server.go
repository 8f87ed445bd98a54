// Package api exposes a loaded headed model over HTTP.
package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"slices"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/labstack/echo/v5"

	"github.com/samcharles93/heads/internal/errdefs"
	"github.com/samcharles93/heads/internal/headed"
	"github.com/samcharles93/heads/internal/logger"
	"github.com/samcharles93/heads/internal/tensor"
	"github.com/samcharles93/heads/internal/version"
)

var (
	// ErrInvalidRequest is reported as 400.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrUnknownHead is reported as 404.
	ErrUnknownHead = errors.New("unknown head")
)

// fieldError ties a request error to the field that caused it; the field is
// returned as the envelope's param.
type fieldError struct {
	kind  error
	param string
	msg   string
}

func (e *fieldError) Error() string { return e.param + ": " + e.msg }
func (e *fieldError) Unwrap() error { return e.kind }

func invalidField(param, format string, args ...any) error {
	return &fieldError{kind: ErrInvalidRequest, param: param, msg: fmt.Sprintf(format, args...)}
}

func unknownHead(param, name string) error {
	return &fieldError{kind: ErrUnknownHead, param: param, msg: fmt.Sprintf("model has no head %q", name)}
}

type Server struct {
	provider ModelProvider
	log      logger.Logger
	clock    func() time.Time
}

func NewServer(provider ModelProvider, log logger.Logger) *Server {
	if log == nil {
		log = logger.Default()
	}
	return &Server{
		provider: provider,
		log:      log,
		clock:    time.Now,
	}
}

func (s *Server) Register(e *echo.Echo) {
	e.GET("/healthz", s.handleHealth)
	e.GET("/v1/version", s.handleVersion)
	e.GET("/v1/heads", s.handleListHeads)
	e.POST("/v1/forward", s.handleForward)
}

func (s *Server) handleHealth(c *echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleVersion(c *echo.Context) error {
	return c.JSON(http.StatusOK, version.Resolve())
}

func (s *Server) handleListHeads(c *echo.Context) error {
	if s.provider == nil {
		return writeError(c, http.StatusServiceUnavailable, "server_error", "no model loaded", "", "")
	}
	list := HeadList{Object: "list", Model: s.provider.ModelID()}
	err := s.provider.WithModel(c.Request().Context(), func(m *headed.Model) error {
		for _, h := range m.OutputHeads() {
			cfg := h.HeadConfig()
			list.Data = append(list.Data, HeadInfo{
				Config:     cfg,
				Layer:      h.LayerIndex(),
				OutputSize: cfg.Outputs(m.VocabSize()),
			})
		}
		return nil
	})
	if err != nil {
		return s.writeModelError(c, err)
	}
	return c.JSON(http.StatusOK, list)
}

func (s *Server) handleForward(c *echo.Context) error {
	if s.provider == nil {
		return writeError(c, http.StatusServiceUnavailable, "server_error", "no model loaded", "", "")
	}
	req, err := decodeJSON[ForwardRequest](c.Request().Body)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}
	in, err := forwardInputs(req)
	if err != nil {
		return s.writeModelError(c, err)
	}

	id := "fwd_" + uuid.NewString()
	start := s.clock()
	var out *headed.Output
	err = s.provider.WithModel(c.Request().Context(), func(m *headed.Model) error {
		if err := checkTokens(req.InputIDs, m.VocabSize()); err != nil {
			return err
		}
		for _, name := range req.Heads {
			if _, ok := m.Head(name); !ok {
				return unknownHead("heads", name)
			}
		}
		for name := range req.Labels {
			if _, ok := m.Head(name); !ok {
				return unknownHead("labels."+name, name)
			}
		}
		var err error
		out, err = m.Forward(c.Request().Context(), in)
		return err
	})
	if err != nil {
		return s.writeModelError(c, err)
	}

	resp := ForwardResponse{
		ID:         id,
		Object:     "forward",
		CreatedAt:  start.Unix(),
		Model:      s.provider.ModelID(),
		LossByHead: out.LossByHead,
		Outputs:    make(map[string]Tensor, len(out.LogitsByHead)+len(out.PredsByHead)),
	}
	if len(out.LossByHead) > 0 {
		loss := out.Loss
		resp.Loss = &loss
	}
	for _, byHead := range []map[string]*tensor.Tensor{out.LogitsByHead, out.PredsByHead} {
		for name, t := range byHead {
			if len(req.Heads) > 0 && !slices.Contains(req.Heads, name) {
				continue
			}
			resp.Outputs[name] = tensorDTO(t)
		}
	}
	for _, h := range out.HiddenStates {
		resp.HiddenStates = append(resp.HiddenStates, tensorDTO(h))
	}
	s.log.Debug("forward",
		"id", id,
		"batch", len(req.InputIDs),
		"heads", len(resp.Outputs),
		"duration", s.clock().Sub(start),
	)
	return c.JSON(http.StatusOK, resp)
}

func forwardInputs(req ForwardRequest) (headed.Inputs, error) {
	if len(req.InputIDs) == 0 {
		return headed.Inputs{}, invalidField("input_ids", "is required")
	}
	hidden := req.OutputHiddenStates
	in := headed.Inputs{
		InputIDs:           req.InputIDs,
		AttentionMask:      req.AttentionMask,
		PositionIDs:        req.PositionIDs,
		OutputHiddenStates: &hidden,
		ReturnDict:         req.ReturnDict,
	}
	if len(req.Labels) > 0 {
		in.Labels = make(map[string]*tensor.Tensor, len(req.Labels))
		for name, l := range req.Labels {
			t, err := l.toTensor()
			if err != nil {
				return headed.Inputs{}, invalidField("labels."+name, "%v", err)
			}
			in.Labels[name] = t
		}
	}
	return in, nil
}

func checkTokens(ids [][]int, vocab int) error {
	for b, row := range ids {
		if len(row) != len(ids[0]) {
			return invalidField("input_ids", "row %d has %d tokens, want %d", b, len(row), len(ids[0]))
		}
		for _, id := range row {
			if id < 0 || id >= vocab {
				return invalidField("input_ids", "token id %d out of range [0,%d)", id, vocab)
			}
		}
	}
	return nil
}

func (s *Server) writeModelError(c *echo.Context, err error) error {
	var param string
	var fe *fieldError
	if errors.As(err, &fe) {
		param = fe.param
	}
	switch {
	case errors.Is(err, ErrUnknownHead):
		return writeError(c, http.StatusNotFound, "not_found_error", err.Error(), param, "")
	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, errdefs.ErrConfiguration),
		errors.Is(err, errdefs.ErrStructuredOutput):
		return writeError(c, http.StatusBadRequest, "invalid_request_error", err.Error(), param, "")
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return writeError(c, http.StatusServiceUnavailable, "server_error", err.Error(), "", "request_cancelled")
	default:
		s.log.Error("forward failed", "error", err)
		return writeError(c, http.StatusInternalServerError, "server_error", err.Error(), "", "")
	}
}

func writeBadRequest(c *echo.Context, msg string) error {
	return writeError(c, http.StatusBadRequest, "invalid_request_error", msg, "", "")
}

func writeError(c *echo.Context, status int, errType, msg, param, code string) error {
	return c.JSON(status, map[string]any{
		"error": ResponseError{
			Message: msg,
			Type:    errType,
			Code:    code,
			Param:   param,
		},
	})
}

func decodeJSON[T any](r io.Reader) (T, error) {
	var out T
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&out); err != nil {
		return out, err
	}
	return out, nil
}
