// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package parallel

import "fmt"

// Feature is a parallel bus transfer feature negotiated per I_T nexus.
type Feature int

const (
	FeatureWideDataTransfer Feature = iota
	FeatureSynchronousDataTransfer
	FeatureQuickArbitrationAndSelection
	FeatureDoubleTransitionDataTransfers
	FeatureInformationUnitTransfers
	FeatureCount
)

func (feature Feature) String() string {
	switch feature {
	case FeatureWideDataTransfer:
		return "wide"
	case FeatureSynchronousDataTransfer:
		return "sync"
	case FeatureQuickArbitrationAndSelection:
		return "qas"
	case FeatureDoubleTransitionDataTransfers:
		return "dt"
	case FeatureInformationUnitTransfers:
		return "iu"
	}
	return fmt.Sprintf("feature(%d)", int(feature))
}

type FeatureRequest int

const (
	FeatureNoNegotiation FeatureRequest = iota
	FeatureAttemptNegotiation
	FeatureClearNegotiation
)

type FeatureResult int

const (
	FeatureNegotiationUnchanged FeatureResult = iota
	FeatureNegotiationCleared
	FeatureNegotiationSuccessful
)

func (result FeatureResult) String() string {
	switch result {
	case FeatureNegotiationUnchanged:
		return "unchanged"
	case FeatureNegotiationCleared:
		return "cleared"
	case FeatureNegotiationSuccessful:
		return "successful"
	}
	return fmt.Sprintf("result(%d)", int(result))
}

// FeatureSet is a per-feature flag array.
type FeatureSet [FeatureCount]bool

func AllFeatures() FeatureSet {
	var set FeatureSet
	for i := range set {
		set[i] = true
	}
	return set
}
