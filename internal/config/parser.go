package config

import (
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

// Parser errors.
var (
	ErrInvalidYAML       = errors.New("invalid YAML format")
	ErrInvalidDuration   = errors.New("invalid duration format")
	ErrInvalidNumber     = errors.New("invalid number format")
	ErrFileNotFound      = errors.New("configuration file not found")
	ErrMissingConfigFile = errors.New("config file path is required")
	ErrMissingOnChange   = errors.New("onChange callback is required")
)

var envPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// LoadConfig reads the file at path, substitutes environment variables and
// parses it over the defaults.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Wrapf(ErrFileNotFound, "%s", path)
		}
		return nil, errors.Wrapf(err, "read config %s", path)
	}
	return ParseConfig(data)
}

// ParseConfig parses YAML data over the defaults.
func ParseConfig(data []byte) (*Config, error) {
	data = substituteEnvVars(data)

	config := DefaultConfig()
	if err := parseYAML(data, config); err != nil {
		return nil, err
	}
	return config, nil
}

// substituteEnvVars replaces ${VAR} and ${VAR:-default}.
func substituteEnvVars(data []byte) []byte {
	return envPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		content := string(match[2 : len(match)-1])

		if name, def, ok := strings.Cut(content, ":-"); ok {
			if val := os.Getenv(name); val != "" {
				return []byte(val)
			}
			return []byte(def)
		}
		return []byte(os.Getenv(content))
	})
}

// yamlNode is one parsed line with its nested lines.
type yamlNode struct {
	key          string
	value        string
	indent       int
	line         int
	children     []*yamlNode
	isList       bool
	isListObject bool // "- key: value" starts an object
	listItems    []string
}

func parseYAML(data []byte, config *Config) error {
	lines := strings.Split(string(data), "\n")
	root := &yamlNode{indent: -1}

	if err := buildTree(lines, root); err != nil {
		return err
	}
	return applyConfig(root, config)
}

// buildTree nests lines under their parent by indentation.
func buildTree(lines []string, root *yamlNode) error {
	stack := []*yamlNode{root}

	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}

		indent := countIndent(line)
		node, err := parseLine(trimmed, indent)
		if err != nil {
			return errors.Wrapf(err, "line %d", i+1)
		}
		node.line = i + 1

		for len(stack) > 1 && stack[len(stack)-1].indent >= indent {
			stack = stack[:len(stack)-1]
		}
		parent := stack[len(stack)-1]

		if node.isList {
			if node.isListObject {
				item := &yamlNode{indent: indent, line: node.line}
				item.children = append(item.children, &yamlNode{
					key:    node.key,
					value:  node.value,
					indent: indent + 2,
					line:   node.line,
				})
				parent.children = append(parent.children, item)
				stack = append(stack, item)
				continue
			}
			parent.listItems = append(parent.listItems, node.value)
			continue
		}

		parent.children = append(parent.children, node)
		stack = append(stack, node)
	}
	return nil
}

func countIndent(line string) int {
	count := 0
	for _, ch := range line {
		switch ch {
		case ' ':
			count++
		case '\t':
			count += 2
		default:
			return count
		}
	}
	return count
}

func parseLine(line string, indent int) (*yamlNode, error) {
	if strings.HasPrefix(line, "- ") {
		content := strings.TrimPrefix(line, "- ")
		if key, value, ok := strings.Cut(content, ":"); ok {
			return &yamlNode{
				key:          strings.TrimSpace(key),
				value:        unquote(stripComment(value)),
				indent:       indent,
				isList:       true,
				isListObject: true,
			}, nil
		}
		return &yamlNode{
			value:  unquote(stripComment(content)),
			indent: indent,
			isList: true,
		}, nil
	}

	key, value, ok := strings.Cut(line, ":")
	if !ok {
		return nil, errors.Wrapf(ErrInvalidYAML, "expected key: value, got %q", line)
	}
	return &yamlNode{
		key:    strings.TrimSpace(key),
		value:  unquote(stripComment(value)),
		indent: indent,
	}, nil
}

// stripComment drops a trailing " # comment" outside quotes.
func stripComment(s string) string {
	s = strings.TrimSpace(s)
	if s == "" || s[0] == '"' || s[0] == '\'' {
		return s
	}
	if idx := strings.Index(s, " #"); idx != -1 {
		s = strings.TrimSpace(s[:idx])
	}
	return s
}

func unquote(s string) string {
	if len(s) >= 2 {
		if (s[0] == '"' && s[len(s)-1] == '"') || (s[0] == '\'' && s[len(s)-1] == '\'') {
			return s[1 : len(s)-1]
		}
	}
	return s
}

func applyConfig(root *yamlNode, config *Config) error {
	for _, node := range root.children {
		var err error
		switch node.key {
		case "node":
			err = applyNodeConfig(node, &config.Node)
		case "cluster":
			err = applyClusterConfig(node, &config.Cluster)
		case "raft":
			err = applyRaftConfig(node, &config.Raft)
		case "logging":
			err = applyLogConfig(node, &config.Logging)
		case "kv":
			err = applyKVConfig(node, &config.KV)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func applyNodeConfig(node *yamlNode, config *NodeConfig) error {
	for _, child := range node.children {
		switch child.key {
		case "id":
			setString(child, &config.ID)
		case "raftAddr":
			setString(child, &config.RaftAddr)
		case "dataDir":
			setString(child, &config.DataDir)
		case "tickInterval":
			if err := setDuration(child, "node.tickInterval", &config.TickInterval); err != nil {
				return err
			}
		}
	}
	return nil
}

func applyClusterConfig(node *yamlNode, config *ClusterConfig) error {
	for _, child := range node.children {
		switch child.key {
		case "voters":
			config.Voters = parsePeers(child)
		case "learners":
			config.Learners = parsePeers(child)
		}
	}
	return nil
}

// parsePeers reads a list of {id, addr} objects. A bare "- id" item is a
// peer without an address.
func parsePeers(node *yamlNode) []PeerConfig {
	var peers []PeerConfig
	for _, item := range node.children {
		var peer PeerConfig
		for _, field := range item.children {
			switch field.key {
			case "id":
				peer.ID = field.value
			case "addr":
				peer.Addr = field.value
			}
		}
		if peer.ID != "" || peer.Addr != "" {
			peers = append(peers, peer)
		}
	}
	for _, id := range node.listItems {
		peers = append(peers, PeerConfig{ID: id})
	}
	return peers
}

func applyRaftConfig(node *yamlNode, config *RaftConfig) error {
	ints := map[string]*int{
		"electionTimeoutTick":        &config.ElectionTimeoutTick,
		"heartbeatTimeoutTick":       &config.HeartbeatTimeoutTick,
		"installSnapshotTimeoutTick": &config.InstallSnapshotTimeoutTick,
		"maxInflightAppends":         &config.MaxInflightAppends,
		"maxUncommittedProposals":    &config.MaxUncommittedProposals,
		"readOnlyBatch":              &config.ReadOnlyBatch,
	}
	bools := map[string]*bool{
		"preVote":                 &config.PreVote,
		"readOnlyLeaderLeaseMode": &config.ReadOnlyLeaderLeaseMode,
		"disableForwardProposal":  &config.DisableForwardProposal,
		"asyncAppend":             &config.AsyncAppend,
	}

	for _, child := range node.children {
		if dst, ok := ints[child.key]; ok {
			if err := setInt(child, "raft."+child.key, dst); err != nil {
				return err
			}
			continue
		}
		if dst, ok := bools[child.key]; ok {
			if child.value != "" {
				*dst = parseBool(child.value)
			}
			continue
		}
		if child.key == "maxSizePerAppend" && child.value != "" {
			val, err := parseSize(child.value)
			if err != nil {
				return errors.Wrapf(err, "raft.maxSizePerAppend (line %d)", child.line)
			}
			config.MaxSizePerAppend = val
		}
	}
	return nil
}

func applyLogConfig(node *yamlNode, config *LogConfig) error {
	for _, child := range node.children {
		switch child.key {
		case "level":
			setString(child, &config.Level)
		case "format":
			setString(child, &config.Format)
		case "output":
			setString(child, &config.Output)
		}
	}
	return nil
}

func applyKVConfig(node *yamlNode, config *KVConfig) error {
	for _, child := range node.children {
		switch child.key {
		case "listen":
			setString(child, &config.Listen)
		case "snapshotThreshold":
			if err := setInt(child, "kv.snapshotThreshold", &config.SnapshotThreshold); err != nil {
				return err
			}
		}
	}
	return nil
}

func setString(node *yamlNode, dst *string) {
	if node.value != "" {
		*dst = node.value
	}
}

func setInt(node *yamlNode, field string, dst *int) error {
	if node.value == "" {
		return nil
	}
	val, err := strconv.Atoi(node.value)
	if err != nil {
		return errors.Wrapf(ErrInvalidNumber, "%s (line %d): %q", field, node.line, node.value)
	}
	*dst = val
	return nil
}

func setDuration(node *yamlNode, field string, dst *time.Duration) error {
	if node.value == "" {
		return nil
	}
	dur, err := parseDuration(node.value)
	if err != nil {
		return errors.Wrapf(err, "%s (line %d): %q", field, node.line, node.value)
	}
	*dst = dur
	return nil
}

// parseDuration accepts time.ParseDuration formats plus a "d" day suffix.
func parseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}

	if numStr, ok := strings.CutSuffix(s, "d"); ok {
		days, err := strconv.Atoi(numStr)
		if err != nil {
			return 0, ErrInvalidDuration
		}
		return time.Duration(days) * 24 * time.Hour, nil
	}

	dur, err := time.ParseDuration(s)
	if err != nil {
		return 0, ErrInvalidDuration
	}
	return dur, nil
}

// parseSize parses byte sizes such as "1024", "64KB" or "1MB".
func parseSize(s string) (uint64, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	multiplier := uint64(1)
	for _, unit := range []struct {
		suffix string
		mult   uint64
	}{
		{"GB", 1 << 30},
		{"MB", 1 << 20},
		{"KB", 1 << 10},
		{"B", 1},
	} {
		if num, ok := strings.CutSuffix(s, unit.suffix); ok {
			s = strings.TrimSpace(num)
			multiplier = unit.mult
			break
		}
	}

	val, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, errors.Wrapf(ErrInvalidNumber, "size %q", s)
	}
	return val * multiplier, nil
}

func parseBool(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	return s == "true" || s == "yes" || s == "1" || s == "on"
}
