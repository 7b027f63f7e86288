// Package offermatch implements the Offer Matcher: a pure function that
// decides how many identical tasks a Mesos resource offer can support.
package offermatch

import (
	"fmt"
	"math"

	mesos "github.com/mesos/mesos-go/mesosproto"
	"github.com/pkg/errors"
)

// Kind identifies how a resource's value should be interpreted.
type Kind int

const (
	// Scalar resources (cpus, mem, disk) have a single numeric value.
	Scalar Kind = iota
	// Range resources (ports) are a list of inclusive intervals.
	Range
	// Set resources (disks) are a set of strings.
	Set
)

// ValueRange is an inclusive [Begin, End] interval.
type ValueRange struct {
	Begin, End uint64
}

// Value is one entry of a Requirement: exactly one of its fields is
// meaningful, selected by Kind.
type Value struct {
	Kind   Kind
	Scalar float64
	Ranges []ValueRange
	Set    []string
}

// Requirement is the resources a single task needs, keyed by Mesos resource
// name (e.g. "cpus", "mem", "ports", "disks").
type Requirement map[string]Value

// ConfigError marks a requirement or offer as fundamentally
// misconfigured -- fatal at startup, or on first offer if discovered late.
type ConfigError struct {
	msg string
}

func (e *ConfigError) Error() string { return e.msg }

// ErrUnsupportedSet is returned when a Requirement asks for a "set" kind
// resource to be matched against an offer. Set matching has no defined
// semantics yet; this is a deliberate limitation, not an oversight.
var ErrUnsupportedSet = &ConfigError{msg: "offermatch: set resource matching is not implemented"}

// Capacity decides how many independent copies of req the offer can host,
// gated by attrs: if attrs is non-empty, every entry must match a same-named
// text attribute on the offer exactly, or the offer has capacity 0
// regardless of its resources.
// It is a pure function: it has no side effects and never mutates offer or
// req.
func Capacity(offer *mesos.Offer, req Requirement, attrs map[string]string) (int, error) {
	if !attributesMatch(offer, attrs) {
		return 0, nil
	}

	capacity := math.Inf(1)
	narrowed := false

	for _, res := range offer.GetResources() {
		name := res.GetName()
		want, ok := req[name]
		if !ok {
			continue // we don't care about this resource
		}

		switch want.Kind {
		case Scalar:
			if res.GetType() != mesos.Value_SCALAR {
				return 0, &ConfigError{msg: fmt.Sprintf(
					"offermatch: requirement %q is scalar but offer reports %s", name, res.GetType())}
			}
			oval := res.GetScalar().GetValue()
			if want.Scalar > oval {
				return 0, nil
			}
			narrowed = true
			capacity = math.Min(capacity, math.Floor(oval/want.Scalar))

		case Range:
			if res.GetType() != mesos.Value_RANGES {
				return 0, &ConfigError{msg: fmt.Sprintf(
					"offermatch: requirement %q is a range but offer reports %s", name, res.GetType())}
			}
			n, ok := rangeCapacity(res.GetRanges().GetRange(), want.Ranges)
			if !ok {
				return 0, nil
			}
			narrowed = true
			capacity = math.Min(capacity, float64(n))

		case Set:
			return 0, ErrUnsupportedSet

		default:
			return 0, &ConfigError{msg: fmt.Sprintf("offermatch: unrecognized resource kind for %q", name)}
		}
	}

	if !narrowed {
		return 0, nil
	}
	if math.IsInf(capacity, 1) {
		return 0, nil
	}
	return int(capacity), nil
}

// rangeCapacity matches range (port) resources by total width: it sums the
// width of every requested interval and every offered interval for this
// resource name, and capacity is the offered sum divided by the requested
// sum, floored.
func rangeCapacity(offered []*mesos.Value_Range, requested []ValueRange) (int, bool) {
	if len(requested) == 0 {
		return 0, false
	}
	var requestedWidth uint64
	for _, r := range requested {
		requestedWidth += width(r.Begin, r.End)
	}
	if requestedWidth == 0 {
		return 0, false
	}

	var offeredWidth uint64
	for _, r := range offered {
		offeredWidth += width(r.GetBegin(), r.GetEnd())
	}
	if offeredWidth < requestedWidth {
		return 0, false
	}
	return int(offeredWidth / requestedWidth), true
}

func width(begin, end uint64) uint64 {
	if end < begin {
		return 0
	}
	return end - begin + 1
}

// attributesMatch reports whether offer carries a text attribute equal to
// value for every name in attrs. An empty attrs always matches.
func attributesMatch(offer *mesos.Offer, attrs map[string]string) bool {
	if len(attrs) == 0 {
		return true
	}
	offered := make(map[string]string, len(offer.GetAttributes()))
	for _, attr := range offer.GetAttributes() {
		if attr.GetType() != mesos.Value_TEXT {
			continue
		}
		offered[attr.GetName()] = attr.GetText().GetValue()
	}
	for name, want := range attrs {
		if offered[name] != want {
			return false
		}
	}
	return true
}

// OfferCapacity pairs an offer with how many tasks it can support.
type OfferCapacity struct {
	Offer    *mesos.Offer
	Capacity int
}

// Batch partitions offers into those usable for req (with their computed
// capacity) and those that should be declined outright. attrs is forwarded
// to Capacity unchanged; see its doc for the matching rule.
func Batch(offers []*mesos.Offer, req Requirement, attrs map[string]string) (usable []OfferCapacity, declinable []*mesos.Offer, err error) {
	for _, offer := range offers {
		n, cerr := Capacity(offer, req, attrs)
		if cerr != nil {
			if _, isConfig := cerr.(*ConfigError); isConfig {
				return nil, nil, errors.Wrapf(cerr, "matching offer %s", offer.GetId().GetValue())
			}
			return nil, nil, cerr
		}
		if n == 0 {
			declinable = append(declinable, offer)
			continue
		}
		usable = append(usable, OfferCapacity{Offer: offer, Capacity: n})
	}
	return usable, declinable, nil
}

// TotalCapacity sums the capacity of a set of usable offers.
func TotalCapacity(usable []OfferCapacity) int {
	total := 0
	for _, oc := range usable {
		total += oc.Capacity
	}
	return total
}
