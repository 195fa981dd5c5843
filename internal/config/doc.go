// Package config loads the agentd daemon configuration from a JSON file and
// the agent roster from a YAML file. Relative paths are resolved against the
// directory of the file that declares them.
package config
