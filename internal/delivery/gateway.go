package delivery

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"herald/internal/task"
)

// Message is the rendered, channel-agnostic content handed to a gateway.
type Message struct {
	TaskID string
	Owner  string
	Kind   task.Kind
	Title  string
	Text   string
	URL    string
}

// Gateway sends a message to one recipient on one channel. Errors should be
// wrapped with Permanent or Transient; anything else counts as transient.
type Gateway interface {
	Name() string
	Send(ctx context.Context, recipient string, msg Message) error
}

// Traced wraps gw so every send runs inside an otel span.
func Traced(gw Gateway) Gateway {
	return &tracedGateway{next: gw, tracer: otel.Tracer("herald/gateway")}
}

type tracedGateway struct {
	next   Gateway
	tracer trace.Tracer
}

func (g *tracedGateway) Name() string { return g.next.Name() }

func (g *tracedGateway) Send(ctx context.Context, recipient string, msg Message) error {
	ctx, span := g.tracer.Start(ctx, "Gateway.Send",
		trace.WithAttributes(
			attribute.String("gateway", g.next.Name()),
			attribute.String("task.id", msg.TaskID),
			attribute.String("task.kind", string(msg.Kind)),
		))
	defer span.End()

	err := g.next.Send(ctx, recipient, msg)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.SetAttributes(attribute.Bool("delivery.permanent", IsPermanent(err)))
	}
	return err
}

// Throttle limits gw to ratePerSec sends with the given burst. A send that
// cannot get a token before ctx ends fails transiently.
func Throttle(gw Gateway, ratePerSec float64, burst int) Gateway {
	if ratePerSec <= 0 {
		return gw
	}
	if burst <= 0 {
		burst = 1
	}
	return &throttledGateway{next: gw, lim: rate.NewLimiter(rate.Limit(ratePerSec), burst)}
}

type throttledGateway struct {
	next Gateway
	lim  *rate.Limiter
}

func (g *throttledGateway) Name() string { return g.next.Name() }

func (g *throttledGateway) Send(ctx context.Context, recipient string, msg Message) error {
	if err := g.lim.Wait(ctx); err != nil {
		return Transient(fmt.Errorf("%s throttle: %w", g.next.Name(), err))
	}
	return g.next.Send(ctx, recipient, msg)
}
