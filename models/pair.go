package models

import "fmt"

// CheckPair verifies that d scores fields of the shape g produces.
func CheckPair(g Model, d *Discriminator) error {
	if g.OutputScale() != d.InputScale() {
		return fmt.Errorf("generator %s upsamples by %d but discriminator expects scale %d",
			g.Name(), g.OutputScale(), d.InputScale())
	}
	if g.OutputChannels() != d.HRChannels() {
		return fmt.Errorf("generator %s predicts %d channels but discriminator expects %d",
			g.Name(), g.OutputChannels(), d.HRChannels())
	}
	return nil
}
