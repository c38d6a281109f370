package routing

import (
	"github.com/sirupsen/logrus"
)

// Decision records how a selector handled one request
type Decision struct {
	// Strategy that produced the candidate order
	Strategy string `json:"strategy"`

	// Eligible endpoints in the order they were offered
	Candidates []string `json:"candidates"`

	// Endpoints skipped because they were inside a back-off window
	Skipped []string `json:"skipped,omitempty"`

	// Endpoints actually attempted, in order
	Attempted []string `json:"attempted"`

	// Endpoint whose response was returned, empty on exhaustion
	Selected string `json:"selected,omitempty"`

	// Affinity is set when a preferred endpoint bypassed the strategy
	Affinity bool `json:"affinity"`
}

func (d *Decision) fields() logrus.Fields {
	return logrus.Fields{
		"strategy":   d.Strategy,
		"candidates": d.Candidates,
		"skipped":    d.Skipped,
		"attempted":  d.Attempted,
		"selected":   d.Selected,
		"affinity":   d.Affinity,
	}
}
