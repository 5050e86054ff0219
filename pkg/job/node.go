package job

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/3leaps/ccplane/pkg/command"
)

// Kind tags a definition node.
type Kind string

const (
	KindFlow Kind = "FLOW"
	KindJob  Kind = "JOB"
	KindStep Kind = "STEP"
)

// ErrInvalidNode indicates a definition tree failed validation.
var ErrInvalidNode = errors.New("invalid node")

// Node is one node of a definition tree. FLOW is the root, JOB groups
// children, STEP carries the script. Zone and Env are inherited by
// descendants; a child's Env entries override its parent's.
//
// Nodes are treated as immutable once handed to the orchestrator.
type Node struct {
	Kind Kind   `json:"kind" yaml:"kind"`
	Name string `json:"name" yaml:"name"`

	Zone string            `json:"zone,omitempty" yaml:"zone,omitempty"`
	Env  map[string]string `json:"env,omitempty" yaml:"env,omitempty"`

	// Step-only fields.
	Type         string        `json:"type,omitempty" yaml:"type,omitempty"`
	Script       string        `json:"script,omitempty" yaml:"script,omitempty"`
	WorkDir      string        `json:"work_dir,omitempty" yaml:"work_dir,omitempty"`
	Timeout      time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	AllowFailure bool          `json:"allow_failure,omitempty" yaml:"allow_failure,omitempty"`
	Retry        int           `json:"retry,omitempty" yaml:"retry,omitempty"`

	Children []*Node `json:"children,omitempty" yaml:"children,omitempty"`
}

// Validate checks the tree rooted at n. The root must be a FLOW with at
// least one STEP below it.
func (n *Node) Validate() error {
	if n == nil {
		return fmt.Errorf("%w: nil flow", ErrInvalidNode)
	}
	if n.Kind != KindFlow {
		return fmt.Errorf("%w: root %q must be %s, got %q", ErrInvalidNode, n.Name, KindFlow, n.Kind)
	}
	steps, err := n.validate(n.Name)
	if err != nil {
		return err
	}
	if steps == 0 {
		return fmt.Errorf("%w: flow %q has no steps", ErrInvalidNode, n.Name)
	}
	return nil
}

func (n *Node) validate(path string) (int, error) {
	if n.Name == "" || strings.ContainsAny(n.Name, "/ \t\n") {
		return 0, fmt.Errorf("%w: %s: invalid name %q", ErrInvalidNode, path, n.Name)
	}
	if n.Retry < 0 || n.Timeout < 0 {
		return 0, fmt.Errorf("%w: %s: retry and timeout must not be negative", ErrInvalidNode, path)
	}

	switch n.Kind {
	case KindStep:
		if len(n.Children) > 0 {
			return 0, fmt.Errorf("%w: %s: steps cannot have children", ErrInvalidNode, path)
		}
		if strings.TrimSpace(n.Script) == "" {
			return 0, fmt.Errorf("%w: %s: script is required", ErrInvalidNode, path)
		}
		return 1, nil
	case KindFlow, KindJob:
		if n.Script != "" {
			return 0, fmt.Errorf("%w: %s: only steps carry a script", ErrInvalidNode, path)
		}
	default:
		return 0, fmt.Errorf("%w: %s: unknown kind %q", ErrInvalidNode, path, n.Kind)
	}

	seen := make(map[string]bool, len(n.Children))
	total := 0
	for _, child := range n.Children {
		if child == nil {
			return 0, fmt.Errorf("%w: %s: nil child", ErrInvalidNode, path)
		}
		if child.Kind == KindFlow {
			return 0, fmt.Errorf("%w: %s/%s: %s is only allowed at the root", ErrInvalidNode, path, child.Name, KindFlow)
		}
		if seen[child.Name] {
			return 0, fmt.Errorf("%w: %s: duplicate child %q", ErrInvalidNode, path, child.Name)
		}
		seen[child.Name] = true
		count, err := child.validate(path + "/" + child.Name)
		if err != nil {
			return 0, err
		}
		total += count
	}
	return total, nil
}

// plan flattens the tree into steps in depth-first pre-order.
func plan(root *Node, zone string, env map[string]string) []Step {
	var steps []Step
	var walk func(n *Node, path, zone string, env map[string]string)
	walk = func(n *Node, path, zone string, env map[string]string) {
		if n.Zone != "" {
			zone = n.Zone
		}
		env = mergeEnv(env, n.Env)
		if n.Kind == KindStep {
			steps = append(steps, Step{
				Path:         path,
				Name:         n.Name,
				Zone:         zone,
				AllowFailure: n.AllowFailure,
				Retry:        n.Retry,
				Status:       StatusPending,
				Payload: command.Payload{
					Type:    n.Type,
					Script:  n.Script,
					Env:     env,
					WorkDir: n.WorkDir,
					Timeout: n.Timeout,
				},
			})
			return
		}
		for _, child := range n.Children {
			walk(child, path+"/"+child.Name, zone, env)
		}
	}
	walk(root, root.Name, zone, env)
	return steps
}

func mergeEnv(parent, child map[string]string) map[string]string {
	if len(child) == 0 {
		return parent
	}
	out := make(map[string]string, len(parent)+len(child))
	for k, v := range parent {
		out[k] = v
	}
	for k, v := range child {
		out[k] = v
	}
	return out
}
