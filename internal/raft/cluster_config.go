package raft

import (
	"slices"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"golang.org/x/exp/maps"
)

// ClusterConfig is an immutable membership snapshot. NextVoters and
// NextLearners are only set while a joint-consensus transition is in effect.
type ClusterConfig struct {
	CorrelationID string
	Voters        []string
	Learners      []string
	NextVoters    []string
	NextLearners  []string
}

// NewClusterConfig builds a non-joint config with a fresh correlation id.
func NewClusterConfig(voters, learners []string) ClusterConfig {
	return ClusterConfig{
		CorrelationID: uuid.NewString(),
		Voters:        sortedSet(voters),
		Learners:      sortedSet(learners),
	}
}

// sortedSet returns the distinct ids in ascending order.
func sortedSet(ids []string) []string {
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if id != "" {
			set[id] = struct{}{}
		}
	}
	out := maps.Keys(set)
	slices.Sort(out)
	return out
}

// IsJoint reports whether the config carries a pending next member set.
func (c ClusterConfig) IsJoint() bool {
	return len(c.NextVoters) > 0
}

// IsVoter reports whether id votes in either group.
func (c ClusterConfig) IsVoter(id string) bool {
	return slices.Contains(c.Voters, id) || slices.Contains(c.NextVoters, id)
}

// IsLearner reports whether id is a learner and not a voter in any group.
func (c ClusterConfig) IsLearner(id string) bool {
	if c.IsVoter(id) {
		return false
	}
	return slices.Contains(c.Learners, id) || slices.Contains(c.NextLearners, id)
}

// IsMember reports whether id takes part in replication at all.
func (c ClusterConfig) IsMember(id string) bool {
	return c.IsVoter(id) || c.IsLearner(id)
}

// Members returns every voter and learner of both groups, sorted.
func (c ClusterConfig) Members() []string {
	all := make([]string, 0, len(c.Voters)+len(c.Learners)+len(c.NextVoters)+len(c.NextLearners))
	all = append(all, c.Voters...)
	all = append(all, c.Learners...)
	all = append(all, c.NextVoters...)
	all = append(all, c.NextLearners...)
	return sortedSet(all)
}

// AllVoters returns the union of both voter groups, sorted.
func (c ClusterConfig) AllVoters() []string {
	return sortedSet(append(slices.Clone(c.Voters), c.NextVoters...))
}

// Validate checks the learner/voter exclusivity invariant of each group.
func (c ClusterConfig) Validate() error {
	for _, l := range c.Learners {
		if slices.Contains(c.Voters, l) {
			return errors.Wrapf(ErrInvalidConfig, "%s is both voter and learner", l)
		}
	}
	for _, l := range c.NextLearners {
		if slices.Contains(c.NextVoters, l) {
			return errors.Wrapf(ErrInvalidConfig, "%s is both next voter and next learner", l)
		}
	}
	if len(c.NextVoters) == 0 && len(c.NextLearners) > 0 {
		return errors.Wrap(ErrInvalidConfig, "next learners without next voters")
	}
	return nil
}

// Equal compares member sets and correlation id.
func (c ClusterConfig) Equal(o ClusterConfig) bool {
	return c.CorrelationID == o.CorrelationID &&
		slices.Equal(c.Voters, o.Voters) &&
		slices.Equal(c.Learners, o.Learners) &&
		slices.Equal(c.NextVoters, o.NextVoters) &&
		slices.Equal(c.NextLearners, o.NextLearners)
}

// Clone returns a deep copy.
func (c ClusterConfig) Clone() ClusterConfig {
	return ClusterConfig{
		CorrelationID: c.CorrelationID,
		Voters:        slices.Clone(c.Voters),
		Learners:      slices.Clone(c.Learners),
		NextVoters:    slices.Clone(c.NextVoters),
		NextLearners:  slices.Clone(c.NextLearners),
	}
}

// enterJoint stages a transition from c to the given member sets.
func (c ClusterConfig) enterJoint(voters, learners []string, correlationID string) ClusterConfig {
	return ClusterConfig{
		CorrelationID: correlationID,
		Voters:        slices.Clone(c.Voters),
		Learners:      slices.Clone(c.Learners),
		NextVoters:    sortedSet(voters),
		NextLearners:  sortedSet(learners),
	}
}

// leaveJoint returns the simplified config installing the next member sets.
func (c ClusterConfig) leaveJoint() ClusterConfig {
	return ClusterConfig{
		CorrelationID: c.CorrelationID,
		Voters:        slices.Clone(c.NextVoters),
		Learners:      slices.Clone(c.NextLearners),
	}
}

func (c ClusterConfig) String() string {
	var b strings.Builder
	b.WriteString("voters=[" + strings.Join(c.Voters, ",") + "]")
	b.WriteString(" learners=[" + strings.Join(c.Learners, ",") + "]")
	if c.IsJoint() {
		b.WriteString(" nextVoters=[" + strings.Join(c.NextVoters, ",") + "]")
		b.WriteString(" nextLearners=[" + strings.Join(c.NextLearners, ",") + "]")
	}
	return b.String()
}
