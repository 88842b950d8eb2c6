// Package models is the model factory: it maps an architecture name to a
// constructor and builds generator and discriminator networks.
package models

import (
	"sort"
	"strings"

	"github.com/tsawler/go-downscale/errdefs"
)

// Architecture is the closed set of supported generator networks.
type Architecture int

const (
	// ResNetBI takes input already interpolated to the target grid, so its
	// network never upsamples (direct-upsampling residual network).
	ResNetBI Architecture = iota
	// ResNetSPC upsamples with a sub-pixel convolution.
	ResNetSPC
	// ResNetRC upsamples with a nearest resize followed by a convolution.
	ResNetRC
	// RecurrentResNetBI and the two below take [N, T, h, w, C] input plus
	// separate static channels; they require a time window.
	RecurrentResNetBI
	RecurrentResNetSPC
	RecurrentResNetRC
)

// Upsampling identifies how a network reaches the high-resolution grid.
type Upsampling int

const (
	Interpolated Upsampling = iota
	SubPixel
	ResizeConv
)

type architectureInfo struct {
	name       string
	recurrent  bool
	upsampling Upsampling
}

var architectureTable = map[Architecture]architectureInfo{
	ResNetBI:           {"resnet_bi", false, Interpolated},
	ResNetSPC:          {"resnet_spc", false, SubPixel},
	ResNetRC:           {"resnet_rc", false, ResizeConv},
	RecurrentResNetBI:  {"recurrent_resnet_bi", true, Interpolated},
	RecurrentResNetSPC: {"recurrent_resnet_spc", true, SubPixel},
	RecurrentResNetRC:  {"recurrent_resnet_rc", true, ResizeConv},
}

func (a Architecture) String() string {
	if info, ok := architectureTable[a]; ok {
		return info.name
	}
	return "unknown"
}

// Recurrent reports whether the architecture consumes a time window.
func (a Architecture) Recurrent() bool { return architectureTable[a].recurrent }

// Upsampling returns the upsampling strategy of the architecture.
func (a Architecture) Upsampling() Upsampling { return architectureTable[a].upsampling }

// OutputScale is the factor between input and output grids for a network
// built with the given scale.
func (a Architecture) OutputScale(scale int) int {
	if a.Upsampling() == Interpolated {
		return 1
	}
	return scale
}

// All returns every architecture ordered by name.
func All() []Architecture {
	all := make([]Architecture, 0, len(architectureTable))
	for a := range architectureTable {
		all = append(all, a)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].String() < all[j].String() })
	return all
}

// ParseArchitecture resolves a name such as "resnet_spc".
func ParseArchitecture(name string) (Architecture, error) {
	return ParseArchitectureIn(name, nil)
}

// ParseArchitectureIn resolves name, accepting only members of allowed when
// it is non-empty.
func ParseArchitectureIn(name string, allowed []Architecture) (Architecture, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	for a, info := range architectureTable {
		if info.name != key {
			continue
		}
		if len(allowed) == 0 {
			return a, nil
		}
		for _, ok := range allowed {
			if ok == a {
				return a, nil
			}
		}
		break
	}
	names := make([]string, 0, len(architectureTable))
	for _, a := range All() {
		names = append(names, a.String())
	}
	if len(allowed) > 0 {
		names = names[:0]
		for _, a := range allowed {
			names = append(names, a.String())
		}
	}
	return 0, errdefs.Configuration("model", name, "architecture not recognized, expected one of %s", strings.Join(names, ", "))
}
