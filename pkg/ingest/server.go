package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/openfroyo/sentinel/pkg/notify"
)

// Handler receives decoded requests.
type Handler interface {
	Report(kind, message string, ctx map[string]any)
	Stats(ctx context.Context, scope string) (interface{}, error)
}

// NoticeSource publishes notices to subscribers.
type NoticeSource interface {
	Subscribe(subscriber notify.Subscriber, filter notify.Filter) func()
}

// Server answers frames read from a stream.
type Server struct {
	handler Handler
	notices NoticeSource
	logger  zerolog.Logger

	reports atomic.Int64
}

// NewServer creates a server. A nil notices source forwards no notices.
func NewServer(handler Handler, notices NoticeSource, logger zerolog.Logger) *Server {
	return &Server{
		handler: handler,
		notices: notices,
		logger:  logger.With().Str("component", "ingest").Logger(),
	}
}

// Reports returns how many reports were accepted.
func (s *Server) Reports() int64 {
	return s.reports.Load()
}

// Serve reads frames from r until EOF or ctx is done, writing answers and
// forwarded notices to w. Malformed lines are answered with an ERROR frame.
func (s *Server) Serve(ctx context.Context, r io.Reader, w io.Writer) error {
	enc := NewEncoder(w)
	dec := NewDecoder(r)

	if s.notices != nil {
		unsubscribe := s.notices.Subscribe(func(n notify.Notice) {
			if err := enc.EncodeNotice(n); err != nil {
				s.logger.Warn().Err(err).Str("notice_id", n.ID).Msg("failed to forward notice")
			}
		}, nil)
		defer unsubscribe()
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		frame, err := dec.Decode()
		switch {
		case errors.Is(err, io.EOF):
			s.logger.Debug().Int64("reports", s.reports.Load()).Msg("input closed")
			return nil
		case errors.Is(err, ErrMalformedFrame):
			if err := enc.EncodeError("", CodeBadFrame, err.Error()); err != nil {
				return err
			}
			continue
		case err != nil:
			return err
		}

		if err := s.handle(ctx, enc, frame); err != nil {
			return err
		}
	}
}

func (s *Server) handle(ctx context.Context, enc *Encoder, f Frame) error {
	switch f.Type {
	case FrameReport:
		var rep ReportFrame
		if err := DecodeData(f, &rep); err != nil {
			return enc.EncodeError("", CodeBadRequest, err.Error())
		}
		if err := rep.Validate(); err != nil {
			return enc.EncodeError(rep.ID, CodeBadRequest, err.Error())
		}
		s.handler.Report(rep.Kind, rep.Message, rep.Context)
		s.reports.Add(1)
		return enc.EncodeAck(rep.ID)

	case FrameStats:
		var req StatsFrame
		if len(f.Data) > 0 {
			if err := DecodeData(f, &req); err != nil {
				return enc.EncodeError("", CodeBadRequest, err.Error())
			}
		}
		if err := req.Validate(); err != nil {
			return enc.EncodeError(req.ID, CodeBadRequest, err.Error())
		}
		scope := req.Scope
		if scope == "" {
			scope = ScopeLogs
		}
		stats, err := s.handler.Stats(ctx, scope)
		if err != nil {
			s.logger.Warn().Err(err).Str("scope", scope).Msg("stats request failed")
			return enc.EncodeError(req.ID, CodeInternal, err.Error())
		}
		return enc.EncodeStatsResult(StatsResultFrame{ID: req.ID, Scope: scope, Stats: stats})

	default:
		return enc.EncodeError("", CodeUnsupported, fmt.Sprintf("%s frames are not accepted", f.Type))
	}
}
