package model

// StageKind identifies a pipeline stage descriptor.
type StageKind int

const (
	StageAuth StageKind = iota + 1
	StageCompression
	StageContentFilter
)

func (k StageKind) String() string {
	switch k {
	case StageAuth:
		return "auth"
	case StageCompression:
		return "compression"
	case StageContentFilter:
		return "content-filter"
	default:
		return "unknown"
	}
}

// Stage is metadata attached to a request. Stages carry no behavior; the
// router and the forwarder query them by kind.
type Stage struct {
	Kind      StageKind
	Algorithm string // empty for StageContentFilter
}

// WithAuth attaches or replaces the auth stage.
func (r *ForwardRequest) WithAuth(alg string) *ForwardRequest {
	r.setStage(Stage{Kind: StageAuth, Algorithm: alg})
	return r
}

// WithCompression attaches or replaces the compression stage.
func (r *ForwardRequest) WithCompression(alg string) *ForwardRequest {
	r.setStage(Stage{Kind: StageCompression, Algorithm: alg})
	return r
}

// WithContentFilter marks the request for content filter evaluation.
func (r *ForwardRequest) WithContentFilter() *ForwardRequest {
	r.setStage(Stage{Kind: StageContentFilter})
	return r
}

// Stage returns the stage of the given kind, if attached.
func (r *ForwardRequest) Stage(kind StageKind) (Stage, bool) {
	for _, s := range r.stages {
		if s.Kind == kind {
			return s, true
		}
	}
	return Stage{}, false
}

// Stages returns the attached stages in attachment order.
func (r *ForwardRequest) Stages() []Stage {
	return append([]Stage(nil), r.stages...)
}

func (r *ForwardRequest) HasAuth() bool {
	_, ok := r.Stage(StageAuth)
	return ok
}

func (r *ForwardRequest) HasCompression() bool {
	_, ok := r.Stage(StageCompression)
	return ok
}

func (r *ForwardRequest) HasContentFilter() bool {
	_, ok := r.Stage(StageContentFilter)
	return ok
}

// AuthAlgorithm returns the auth algorithm or "" when no auth stage is attached.
func (r *ForwardRequest) AuthAlgorithm() string {
	s, _ := r.Stage(StageAuth)
	return s.Algorithm
}

// CompressionAlgorithm returns the compression algorithm or "".
func (r *ForwardRequest) CompressionAlgorithm() string {
	s, _ := r.Stage(StageCompression)
	return s.Algorithm
}

func (r *ForwardRequest) setStage(s Stage) {
	for i := range r.stages {
		if r.stages[i].Kind == s.Kind {
			r.stages[i] = s
			return
		}
	}
	r.stages = append(r.stages, s)
}
