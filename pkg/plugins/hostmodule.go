package plugins

import (
	"context"

	"github.com/sirupsen/logrus"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"github.com/yufanbot/yufanbot/pkg/plugins/loader"
)

// Status codes returned to guests by the yufan host module
const (
	StatusOK     uint32 = 0
	StatusNoHost uint32 = 1
	StatusFault  uint32 = 2
	StatusFailed uint32 = 3
)

// Guest log levels accepted by yufan.log
const (
	GuestLogDebug uint32 = iota
	GuestLogInfo
	GuestLogWarn
	GuestLogError
)

type hostKey struct{}

// WithHost binds host to ctx for the duration of a guest call
func WithHost(ctx context.Context, host Host) context.Context {
	return context.WithValue(ctx, hostKey{}, host)
}

func hostFrom(ctx context.Context) (Host, bool) {
	host, ok := ctx.Value(hostKey{}).(Host)
	return host, ok && host != nil
}

// HostModule provides the yufan module every plugin shares. One value
// serves all load contexts; the calling plugin is identified by its module.
type HostModule struct {
	log *logrus.Logger
}

// NewHostModule creates the yufan host module provider
func NewHostModule(log *logrus.Logger) *HostModule {
	if log == nil {
		log = logrus.New()
	}
	return &HostModule{log: log}
}

// Instantiate registers the yufan module in r
func (h *HostModule) Instantiate(ctx context.Context, r wazero.Runtime) error {
	_, err := r.NewHostModuleBuilder(loader.HostModuleName).
		NewFunctionBuilder().
		WithFunc(h.guestLog).
		WithParameterNames("level", "ptr", "len").
		Export("log").
		NewFunctionBuilder().
		WithFunc(h.sendMessage).
		WithParameterNames("target_ptr", "target_len", "text_ptr", "text_len").
		Export("send_message").
		NewFunctionBuilder().
		WithFunc(h.selfID).
		Export("self_id").
		Instantiate(ctx)
	return err
}

// Services returns the shared modules offered to every load context
func (h *HostModule) Services() loader.Services {
	return loader.Services{
		loader.HostModuleName:    h,
		"wasi_snapshot_preview1": loader.WASI(),
	}
}

func (h *HostModule) guestLog(_ context.Context, m api.Module, level, ptr, size uint32) {
	msg, ok := read(m, ptr, size)
	if !ok {
		h.log.WithField("plugin", m.Name()).Warnf("log call out of bounds (ptr %d, len %d)", ptr, size)
		return
	}

	entry := h.log.WithField("plugin", m.Name())
	switch level {
	case GuestLogDebug:
		entry.Debug(string(msg))
	case GuestLogInfo:
		entry.Info(string(msg))
	case GuestLogWarn:
		entry.Warn(string(msg))
	default:
		entry.Error(string(msg))
	}
}

func (h *HostModule) sendMessage(ctx context.Context, m api.Module, tptr, tlen, mptr, mlen uint32) uint32 {
	host, ok := hostFrom(ctx)
	if !ok {
		return StatusNoHost
	}

	target, ok := read(m, tptr, tlen)
	if !ok {
		return StatusFault
	}
	text, ok := read(m, mptr, mlen)
	if !ok {
		return StatusFault
	}

	if err := host.SendMessage(ctx, string(target), string(text)); err != nil {
		h.log.WithField("plugin", m.Name()).Warnf("Failed to send message: %v", err)
		return StatusFailed
	}
	return StatusOK
}

func (h *HostModule) selfID(ctx context.Context, _ api.Module) int64 {
	host, ok := hostFrom(ctx)
	if !ok {
		return 0
	}
	return host.SelfID()
}

func read(m api.Module, ptr, size uint32) ([]byte, bool) {
	mem := m.Memory()
	if mem == nil {
		return nil, false
	}
	return mem.Read(ptr, size)
}
