package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	"sitegen/internal/trigger"
	logx "sitegen/pkg/logx"
)

var ErrInvalid = errors.New("invalid config")

var (
	structOnce sync.Once
	structV    *validator.Validate
)

func structValidator() *validator.Validate {
	structOnce.Do(func() {
		v := validator.New()
		v.RegisterTagNameFunc(func(f reflect.StructField) string {
			name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
			if name == "" || name == "-" {
				return f.Name
			}
			return name
		})
		structV = v
	})
	return structV
}

// Validate checks cfg after defaults are applied. Every problem is reported,
// joined, and matches ErrInvalid.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("%w: config is nil", ErrInvalid)
	}
	var errs []error

	if err := structValidator().Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return fmt.Errorf("%w: %v", ErrInvalid, err)
		}
		for _, fe := range verrs {
			errs = append(errs, fmt.Errorf("%w: %s: failed %q", ErrInvalid, trimNamespace(fe.Namespace()), fe.Tag()))
		}
	}

	if _, ok := logx.ParseLevel(cfg.Logging.Level); cfg.Logging.Level != "" && !ok {
		errs = append(errs, fmt.Errorf("%w: logging.level: unknown level %q", ErrInvalid, cfg.Logging.Level))
	}
	if _, err := ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout); err != nil {
		errs = append(errs, fmt.Errorf("%w: %v", ErrInvalid, err))
	}

	seen := map[string]bool{}
	for i, t := range cfg.Triggers {
		key := strings.ToLower(strings.TrimSpace(t.Name))
		if key != "" && seen[key] {
			errs = append(errs, fmt.Errorf("%w: triggers[%d]: duplicate name %q", ErrInvalid, i, t.Name))
		}
		seen[key] = true
		if strings.TrimSpace(t.Schedule) != "" {
			if _, err := trigger.ParseSchedule(t.Schedule); err != nil {
				errs = append(errs, fmt.Errorf("%w: triggers[%d].schedule: %v", ErrInvalid, i, err))
			}
		}
		if _, err := t.Message.Request(); err != nil {
			errs = append(errs, fmt.Errorf("%w: triggers[%d].message: %v", ErrInvalid, i, err))
		}
	}
	return errors.Join(errs...)
}

// trimNamespace turns "Config.render.output_dir" into "render.output_dir".
func trimNamespace(ns string) string {
	if _, rest, ok := strings.Cut(ns, "."); ok {
		return rest
	}
	return ns
}
