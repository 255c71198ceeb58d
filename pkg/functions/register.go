package functions

import (
	"voice-gateway/pkg/store"

	"github.com/sirupsen/logrus"
)

// NewDefaultDispatcher registers every built-in tool. Tenants narrow the set
// with their tools list.
func NewDefaultDispatcher(backend Backend, kv store.Store, logger *logrus.Logger) *Dispatcher {
	d := NewDispatcher(logger)

	d.Register(getMenuTool(backend))
	d.Register(createOrderTool(backend))
	d.Register(trackOrderTool(backend))
	d.Register(lookupCustomerTool(backend))
	d.Register(walletBalanceTool(kv))
	d.Register(bookMeetingTool(kv))
	d.Register(endCallTool())
	d.Register(transferCallTool())

	logger.WithField("tools", len(d.order)).Info("Function dispatcher initialized")
	return d
}
