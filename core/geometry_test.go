package core

import "testing"

func TestHasLineOfSight_NoObstruction(t *testing.T) {
	// Both points high on the same side of the Earth.
	posA := Vec3{X: 8000, Y: 0, Z: 0}
	posB := Vec3{X: 8000, Y: 1000, Z: 0}

	if !HasLineOfSight(posA, posB) {
		t.Errorf("expected LoS between two high points on same side of Earth")
	}
}

func TestHasLineOfSight_Obstructed(t *testing.T) {
	// Opposite sides: the chord passes through the Earth.
	posA := Vec3{X: 7000, Y: 0, Z: 0}
	posB := Vec3{X: -7000, Y: 0, Z: 0}

	if HasLineOfSight(posA, posB) {
		t.Errorf("expected LoS to be blocked by Earth")
	}
}

func TestHasLineOfSight_DegenerateSegment(t *testing.T) {
	if !HasLineOfSight(Vec3{X: 7000}, Vec3{X: 7000}) {
		t.Errorf("single point outside Earth should be visible")
	}
	if HasLineOfSight(Vec3{X: 10}, Vec3{X: 10}) {
		t.Errorf("single point inside Earth should be blocked")
	}
}
