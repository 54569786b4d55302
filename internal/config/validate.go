package config

import (
	"net/url"
	"regexp"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
)

const (
	ProtocolAuto  = "auto"
	ProtocolHTTP1 = "http1"
	ProtocolHTTP2 = "http2"
)

// AlgorithmNone disables a default pipeline stage.
const AlgorithmNone = "none"

var algorithmPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9-]*$`)

// reservedAdminRoutes cannot be used as the metrics path.
var reservedAdminRoutes = []string{"/healthz", "/proxy/status", "/proxy/route"}

func (c *Config) validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Server),
		validation.Field(&c.Admin),
		validation.Field(&c.Backend),
		validation.Field(&c.Reverse),
		validation.Field(&c.Filter),
		validation.Field(&c.Cluster),
		validation.Field(&c.Log),
		validation.Field(&c.Metrics),
	)
}

func (s ServerConfig) Validate() error {
	return validation.ValidateStruct(&s,
		validation.Field(&s.Host, is.Host),
		validation.Field(&s.Port, validation.Min(0), validation.Max(65535)),
		validation.Field(&s.Protocol, validation.In(ProtocolAuto, ProtocolHTTP1, ProtocolHTTP2)),
		validation.Field(&s.BodyMaxBytes, validation.Min(int64(0))),
		validation.Field(&s.ReadHeaderTimeoutSeconds, validation.Min(0)),
	)
}

func (a AdminConfig) Validate() error {
	return validation.ValidateStruct(&a,
		validation.Field(&a.Host, is.Host),
		validation.Field(&a.Port, validation.Min(0), validation.Max(65535)),
		validation.Field(&a.RateLimit),
	)
}

func (r RateLimitConfig) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.RequestsPerSecond,
			validation.When(r.Enabled, validation.Required, validation.Min(0.0).Exclusive()),
		),
	)
}

func (b BackendConfig) Validate() error {
	return validation.ValidateStruct(&b,
		validation.Field(&b.TimeoutSeconds, validation.Min(0)),
		validation.Field(&b.DialTimeoutSeconds, validation.Min(0)),
		validation.Field(&b.MaxResponseBytes, validation.Min(int64(0))),
		validation.Field(&b.Auth, validation.Match(algorithmPattern)),
		validation.Field(&b.Compression, validation.Match(algorithmPattern)),
	)
}

func (r ReverseConfig) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Upstream, validation.By(validateHTTPURL)),
	)
}

func (f FilterConfig) Validate() error {
	return validation.ValidateStruct(&f,
		validation.Field(&f.WindowStart, validation.By(validateClock)),
		validation.Field(&f.WindowEnd, validation.By(validateClock)),
	)
}

func (c ClusterConfig) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.Destinations, validation.Each(validation.Required, validation.By(validateHTTPURL))),
		validation.Field(&c.TimeoutSeconds, validation.Min(0)),
	)
}

func (l LogConfig) Validate() error {
	return validation.ValidateStruct(&l,
		validation.Field(&l.Level, validation.By(lower(validation.In("debug", "info", "warn", "error")))),
		validation.Field(&l.Format, validation.By(lower(validation.In("json", "text")))),
	)
}

func (m MetricsConfig) Validate() error {
	return validation.ValidateStruct(&m,
		validation.Field(&m.Path, validation.When(m.Enabled, validation.By(validateMetricsPath))),
	)
}

func validateHTTPURL(value interface{}) error {
	s, ok := value.(string)
	if !ok {
		return validation.NewError("validation_invalid_type", "must be a string")
	}
	if s == "" {
		return nil
	}

	u, err := url.Parse(s)
	if err != nil {
		return validation.NewError("validation_invalid_url", "must be a valid URL")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return validation.NewError("validation_invalid_scheme", "URL must use http or https scheme")
	}
	if u.Host == "" {
		return validation.NewError("validation_missing_host", "URL must have a host")
	}
	return nil
}

func validateClock(value interface{}) error {
	s, ok := value.(string)
	if !ok {
		return validation.NewError("validation_invalid_type", "must be a string")
	}
	if s == "" {
		return nil
	}
	if _, err := parseClock(s); err != nil {
		return validation.NewError("validation_invalid_clock", "must be a time of day in HH:MM format")
	}
	return nil
}

func validateMetricsPath(value interface{}) error {
	p, _ := value.(string)
	if p == "" {
		return nil
	}
	if p[0] != '/' {
		return validation.NewError("validation_invalid_path", "must start with '/'")
	}
	for _, reserved := range reservedAdminRoutes {
		if p == reserved || strings.HasPrefix(p, reserved+"/") {
			return validation.NewError("validation_reserved_path", "conflicts with reserved route "+reserved)
		}
	}
	return nil
}

// lower applies rule to the lower-cased string value.
func lower(rule validation.Rule) validation.RuleFunc {
	return func(value interface{}) error {
		s, _ := value.(string)
		return rule.Validate(strings.ToLower(s))
	}
}

// Validate is called by kong once the send command has been parsed.
func (s SendCmd) Validate() error {
	return validation.ValidateStruct(&s,
		validation.Field(&s.Dest, validation.Required, validation.Each(is.RequestURL)),
		validation.Field(&s.Proxy, validation.Required, is.DialString),
	)
}
