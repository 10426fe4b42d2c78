// Package debug serves pprof profiles and a statsviz runtime dashboard on a
// listener kept separate from the public API.
package debug

import (
	"fmt"
	"net/http"
	"net/http/pprof"

	"github.com/arl/statsviz"
)

// Mux returns the debug routes: /debug/pprof/* and /debug/statsviz/.
func Mux() (*http.ServeMux, error) {
	mux := http.NewServeMux()

	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	if err := statsviz.Register(mux); err != nil {
		return nil, fmt.Errorf("registering statsviz: %w", err)
	}
	return mux, nil
}
