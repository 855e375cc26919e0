package redirect

import (
	"fmt"

	"go.uber.org/zap"
)

// NavigateFunc performs a navigation. Implementations may fail or panic.
type NavigateFunc func(path string, replace bool) error

type Options struct {
	Replace  bool
	Fallback string
}

// SafeNavigate validates and normalizes target before calling navigate. It never
// fails: a failed navigation is retried once against the fallback with replace
// set, and a second failure is dropped.
func (v *Validator) SafeNavigate(navigate NavigateFunc, target string, opts Options) {
	if navigate == nil {
		return
	}
	fallback := opts.Fallback
	if fallback == "" {
		fallback = "/"
	}
	dest := fallback
	if v.IsSafeRedirect(target) {
		dest = v.NormalizeToPath(target, fallback)
	}
	err := callNavigate(navigate, dest, opts.Replace)
	if err == nil {
		return
	}
	v.log.Debug("navigation failed, retrying with fallback", zap.String("target", dest), zap.Error(err))
	if err := callNavigate(navigate, fallback, true); err != nil {
		v.log.Debug("fallback navigation failed", zap.String("target", fallback), zap.Error(err))
	}
}

func callNavigate(navigate NavigateFunc, path string, replace bool) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("navigate panicked: %v", rec)
		}
	}()
	return navigate(path, replace)
}
