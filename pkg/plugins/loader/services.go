package loader

import (
	"context"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
)

// Service instantiates a shared host module into a plugin's runtime. The
// module must be registered under its allow-listed name.
type Service interface {
	Instantiate(ctx context.Context, r wazero.Runtime) error
}

// ServiceFunc adapts a function to the Service interface
type ServiceFunc func(ctx context.Context, r wazero.Runtime) error

func (f ServiceFunc) Instantiate(ctx context.Context, r wazero.Runtime) error {
	return f(ctx, r)
}

// Services maps allow-listed module names to the host's providers
type Services map[string]Service

// WASI provides wasi_snapshot_preview1, which every wasip1 build imports
func WASI() Service {
	return ServiceFunc(func(ctx context.Context, r wazero.Runtime) error {
		_, err := wasi_snapshot_preview1.Instantiate(ctx, r)
		return err
	})
}

// With returns a copy of s with name mapped to svc
func (s Services) With(name string, svc Service) Services {
	out := make(Services, len(s)+1)
	for k, v := range s {
		out[k] = v
	}
	out[name] = svc
	return out
}
