package models

// privateSurcharge is added on top of the base cost when a generation is
// submitted with private visibility.
const privateSurcharge = 3

// baseCosts maps the supported durations to their base credit cost.
var baseCosts = map[int]int{
	60:  5,
	120: 8,
	180: 12,
	300: 15,
}

// ValidDuration reports whether the duration is one of the supported values.
func ValidDuration(durationSeconds int) bool {
	_, ok := baseCosts[durationSeconds]
	return ok
}

// CreditCost returns the number of credits charged for a generation with the
// given duration and visibility. ok is false for unsupported durations.
func CreditCost(durationSeconds int, visibility Visibility) (cost int, ok bool) {
	base, ok := baseCosts[durationSeconds]
	if !ok {
		return 0, false
	}
	if visibility == VisibilityPrivate {
		return base + privateSurcharge, true
	}
	return base, true
}
