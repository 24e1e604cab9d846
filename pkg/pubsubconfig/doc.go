// Package pubsubconfig is the typed configuration layer shared by
// every role binary in cmd/pubsubd. A YAML file (gopkg.in/yaml.v3)
// supplies defaults; CLI flags registered by cmd/pubsubd override
// them field-by-field, mirroring how cmd/warren layers flags over a
// cluster config file.
package pubsubconfig
