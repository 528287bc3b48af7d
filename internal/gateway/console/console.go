// Package console is a development gateway that logs messages instead of
// sending them.
package console

import (
	"context"

	"herald/internal/delivery"
	"herald/pkg/logx"
)

type Gateway struct {
	name string
	log  logx.Logger
}

func New(name string, log logx.Logger) *Gateway {
	if name == "" {
		name = "console"
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Gateway{name: name, log: log}
}

func (g *Gateway) Name() string { return g.name }

func (g *Gateway) Send(ctx context.Context, recipient string, msg delivery.Message) error {
	if err := ctx.Err(); err != nil {
		return delivery.Transient(err)
	}
	g.log.Info("console.message",
		logx.String("gateway", g.name),
		logx.String("recipient", recipient),
		logx.String("task", msg.TaskID),
		logx.String("kind", string(msg.Kind)),
		logx.String("text", msg.Text),
	)
	return nil
}
