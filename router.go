package chatsync

import (
	"errors"

	"github.com/rs/zerolog"
)

// ============================================================================
// Router
// ============================================================================

// Handler handles one parsed inbound frame. The dynamic type of f always
// matches the frame type the handler was registered for.
type Handler func(f Frame)

// Router dispatches inbound frames to at most one handler per frame type.
// It is owned by the loop goroutine.
type Router struct {
	handlers map[FrameType]Handler
	log      zerolog.Logger
	metrics  *Metrics
}

// NewRouter creates an empty router.
func NewRouter(logger zerolog.Logger, metrics *Metrics) *Router {
	return &Router{
		handlers: make(map[FrameType]Handler),
		log:      logger.With().Str("component", "router").Logger(),
		metrics:  metrics,
	}
}

// On registers h for t, replacing any previous handler.
func (r *Router) On(t FrameType, h Handler) {
	r.handlers[t] = h
}

// Off removes the handler for t.
func (r *Router) Off(t FrameType) {
	delete(r.handlers, t)
}

// Handles reports whether a handler is registered for t.
func (r *Router) Handles(t FrameType) bool {
	_, ok := r.handlers[t]
	return ok
}

// Dispatch parses raw and invokes the matching handler. Malformed frames,
// frames without a handler, and handler panics are logged and dropped.
func (r *Router) Dispatch(raw []byte) {
	f, err := ParseFrame(raw)
	if err != nil {
		reason := "malformed"
		var pe *ParseError
		if errors.As(err, &pe) {
			reason = pe.Reason
		}
		r.metrics.dropped(reason)
		r.log.Warn().Err(err).Int("bytes", len(raw)).Msg("dropping inbound frame")
		return
	}

	h, ok := r.handlers[f.FrameType()]
	if !ok {
		r.metrics.dropped("unhandled")
		r.log.Debug().Str("type", string(f.FrameType())).Msg("no handler for frame")
		return
	}
	r.invoke(h, f)
}

func (r *Router) invoke(h Handler, f Frame) {
	defer func() {
		if p := recover(); p != nil {
			r.metrics.dropped("handler_panic")
			r.log.Error().Interface("panic", p).Str("type", string(f.FrameType())).Msg("frame handler panicked")
		}
	}()
	h(f)
}
