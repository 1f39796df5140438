// Package protocol maps generic prediction payloads onto the wire formats of
// every supported model backend, and back.
package protocol

import (
	"errors"
	"fmt"
)

type DeploymentSystem int

const (
	KserveV1 DeploymentSystem = iota + 1
	KserveV2
	TextGeneration
	Text2TextGeneration
	TokenClassification
	TextClassification
	MLFlow

	numSystems = iota
)

var (
	ErrMissingDeploymentSystem = errors.New("no deployment system specified")
	ErrUnsupportedDeployment   = errors.New("deployment system not supported")
)

var systemNames = [numSystems + 1]string{
	KserveV1:            "KserveV1",
	KserveV2:            "KserveV2",
	TextGeneration:      "TextGeneration",
	Text2TextGeneration: "Text2TextGeneration",
	TokenClassification: "TokenClassification",
	TextClassification:  "TextClassification",
	MLFlow:              "MLFlow",
}

// All lists every deployment system in declaration order
func All() []DeploymentSystem {
	out := make([]DeploymentSystem, 0, numSystems)
	for s := KserveV1; s <= MLFlow; s++ {
		out = append(out, s)
	}
	return out
}

func ParseDeploymentSystem(s string) (DeploymentSystem, error) {
	if s == "" {
		return 0, ErrMissingDeploymentSystem
	}
	for _, sys := range All() {
		if systemNames[sys] == s {
			return sys, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnsupportedDeployment, s)
}

func (d DeploymentSystem) Valid() bool {
	return d >= KserveV1 && d <= MLFlow
}

func (d DeploymentSystem) String() string {
	if !d.Valid() {
		return fmt.Sprintf("DeploymentSystem(%d)", int(d))
	}
	return systemNames[d]
}

func (d DeploymentSystem) MarshalText() ([]byte, error) {
	if !d.Valid() {
		return nil, ErrUnsupportedDeployment
	}
	return []byte(d.String()), nil
}

func (d *DeploymentSystem) UnmarshalText(b []byte) error {
	sys, err := ParseDeploymentSystem(string(b))
	if err != nil {
		return err
	}
	*d = sys
	return nil
}

// Path is the request path of the backend routing layer for a service
func (d DeploymentSystem) Path(serviceName string) (string, error) {
	switch d {
	case KserveV1, TokenClassification, TextClassification:
		return "/v1/models/" + serviceName + ":predict", nil
	case KserveV2, MLFlow:
		return "/v2/models/" + serviceName + "/infer", nil
	case TextGeneration, Text2TextGeneration:
		return "/openai/v1/completions", nil
	default:
		return "", ErrUnsupportedDeployment
	}
}
