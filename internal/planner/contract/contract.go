package contract

// Complexity hints how much output budget a request deserves.
type Complexity string

const (
	ComplexityLow    Complexity = "low"
	ComplexityMedium Complexity = "medium"
	ComplexityHigh   Complexity = "high"
)

// MaxTokens maps the hint onto a provider token budget.
func (c Complexity) MaxTokens() int {
	switch c {
	case ComplexityLow:
		return 1024
	case ComplexityHigh:
		return 8192
	default:
		return 4096
	}
}

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is one generation call: role-tagged conversation plus a
// complexity hint. The provider returns plain text; the caller owns
// any structure inside it.
type Request struct {
	Model      string     `json:"model"`
	Messages   []Message  `json:"messages"`
	Complexity Complexity `json:"complexity"`
}
