package provider

import (
	"context"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go"

	"github.com/zeusync/worldcore/internal/core/cascade"
	"github.com/zeusync/worldcore/internal/core/models"
	"github.com/zeusync/worldcore/internal/core/observability/log"
)

// NATS forwards enrichment requests to a remote service with request/reply
// on <subject>.<tier>.
type NATS struct {
	conn    *nats.Conn
	subject string
	logger  log.Log
}

var _ cascade.Provider = (*NATS)(nil)

func NewNATS(conn *nats.Conn, subject string, logger log.Log) *NATS {
	if logger == nil {
		logger = log.Provide()
	}
	return &NATS{conn: conn, subject: subject, logger: logger.With(log.Component("provider.nats"))}
}

func TierSubject(subject string, tier models.Tier) string { return subject + "." + tier.String() }

func (p *NATS) Enrich(ctx context.Context, req cascade.Request) (cascade.Response, error) {
	body, err := EncodeRequest(req)
	if err != nil {
		return cascade.Response{}, err
	}

	msg, err := p.conn.RequestWithContext(ctx, TierSubject(p.subject, req.Tier), body)
	switch {
	case err == nil:
	case ctx.Err() != nil:
		return cascade.Response{}, ctx.Err()
	case errors.Is(err, nats.ErrNoResponders), errors.Is(err, nats.ErrConnectionClosed):
		return cascade.Response{}, fmt.Errorf("%w: %w", cascade.ErrUnavailable, err)
	default:
		p.logger.Debug("Enrichment request failed", log.String("task_id", req.TaskID), log.Error(err))
		return cascade.Response{}, err
	}
	return DecodeResponse(msg.Data)
}

// Handle answers one encoded request with prov. It never fails: errors are
// carried in the reply.
func Handle(ctx context.Context, prov cascade.Provider, data []byte) []byte {
	req, err := DecodeRequest(data)
	if err == nil {
		if req.Timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, req.Timeout)
			defer cancel()
		}
		var resp cascade.Response
		resp, err = prov.Enrich(ctx, req)
		if err == nil {
			out, _ := EncodeResponse(resp, nil)
			return out
		}
	}
	out, _ := EncodeResponse(cascade.Response{}, err)
	return out
}

// Serve answers requests for tier on conn until ctx ends.
func Serve(ctx context.Context, conn *nats.Conn, subject string, tier models.Tier, prov cascade.Provider) error {
	sub, err := conn.Subscribe(TierSubject(subject, tier), func(m *nats.Msg) {
		_ = m.Respond(Handle(ctx, prov, m.Data))
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", TierSubject(subject, tier), err)
	}
	<-ctx.Done()
	return sub.Unsubscribe()
}
