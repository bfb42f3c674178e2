// Package tool implements the commands of the `nexus_tool` admin utility.
package tool

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/umiacs/nexus-status/internal/common"
	"github.com/umiacs/nexus-status/pkg/auth"
	"gopkg.in/yaml.v3"
)

// Token generation strategies.
const (
	StrategyRandom = "random"
	StrategyDate   = "date"
	StrategyUser   = "user"
)

// Custom errors.
var (
	ErrUnknownStrategy = errors.New("unknown token strategy")
	ErrMissingUsername = errors.New("username is required for user tokens")
	ErrInvalidCount    = errors.New("count must be positive")
)

// TokenOptions are the options of the token command.
type TokenOptions struct {
	Strategy string
	Length   int
	Prefix   string
	Username string
	Role     string
	Count    int
	// YAML prints a config snippet instead of one token per line.
	YAML bool
}

// GenerateTokens returns Count tokens generated with the requested strategy.
func GenerateTokens(opts TokenOptions, now time.Time) ([]string, error) {
	if opts.Count <= 0 {
		return nil, ErrInvalidCount
	}

	var generate func() (string, error)

	switch opts.Strategy {
	case StrategyRandom:
		generate = func() (string, error) { return auth.GenerateSecureToken(opts.Length) }
	case StrategyDate:
		generate = func() (string, error) { return auth.GenerateDateBasedToken(opts.Prefix, now) }
	case StrategyUser:
		if opts.Username == "" {
			return nil, ErrMissingUsername
		}

		generate = func() (string, error) { return auth.GenerateUserToken(opts.Username, opts.Role) }
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownStrategy, opts.Strategy)
	}

	tokens := make([]string, opts.Count)

	for i := range tokens {
		token, err := generate()
		if err != nil {
			return nil, err
		}

		tokens[i] = token
	}

	return tokens, nil
}

// WriteTokens generates tokens and writes them to w. Fingerprints are
// written as comments in YAML output so that tokens can later be matched
// against dashboard logs.
func WriteTokens(w io.Writer, opts TokenOptions, now time.Time) error {
	tokens, err := GenerateTokens(opts, now)
	if err != nil {
		return err
	}

	if !opts.YAML {
		for _, token := range tokens {
			if _, err := fmt.Fprintln(w, token); err != nil {
				return err
			}
		}

		return nil
	}

	seq := &yaml.Node{Kind: yaml.SequenceNode}
	for _, token := range tokens {
		seq.Content = append(seq.Content, &yaml.Node{
			Kind:        yaml.ScalarNode,
			Style:       yaml.DoubleQuotedStyle,
			Value:       token,
			LineComment: "# fingerprint: " + common.Fingerprint(token),
		})
	}

	// Top level key is auth to match the dashboard config layout
	doc := &yaml.Node{
		Kind: yaml.MappingNode,
		Content: []*yaml.Node{
			{Kind: yaml.ScalarNode, Value: "auth"},
			{
				Kind:    yaml.MappingNode,
				Content: []*yaml.Node{{Kind: yaml.ScalarNode, Value: "valid_tokens"}, seq},
			},
		},
	}

	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)

	if err := enc.Encode(doc); err != nil {
		return err
	}

	return enc.Close()
}
