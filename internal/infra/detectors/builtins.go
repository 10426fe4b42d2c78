// Package detectors defines the built-in pod-backed detectors and their
// report parsers.
package detectors

import (
	"strings"

	"github.com/ahrav/scan-armada/internal/app/detection"
	"github.com/ahrav/scan-armada/internal/infra/detectors/pod"
)

// Builtins returns every built-in detector spec.
func Builtins() []pod.Spec {
	return []pod.Spec{NmapSpec(), NiktoSpec(), WPScanSpec()}
}

// RegisterBuiltins registers every built-in detector on backend. images maps
// a module name to a replacement container image; it may be nil.
func RegisterBuiltins(reg *detection.Registry, backend *pod.Backend, images map[string]string) error {
	for _, spec := range Builtins() {
		if img := images[spec.Meta.Module]; img != "" {
			spec.Image = img
		}
		if err := backend.Register(reg, spec); err != nil {
			return err
		}
	}
	return nil
}

// shellQuote wraps s in single quotes so sh treats it as one literal word.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
