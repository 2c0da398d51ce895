/*
 Copyright The FairSched Authors

 Licensed under the Apache License, Version 2.0 (the "License");
 you may not use this file except in compliance with the License.
 You may obtain a copy of the License at

     http://www.apache.org/licenses/LICENSE-2.0

 Unless required by applicable law or agreed to in writing, software
 distributed under the License is distributed on an "AS IS" BASIS,
 WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 See the License for the specific language governing permissions and
 limitations under the License.
*/

package resources

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// resource kind keys
const (
	Cores     = "cores"
	Memory    = "memory"
	Instances = "instances"
)

// Quantity is a resource amount. Fractional values are allowed, memory is
// tracked in megabytes.
type Quantity float64

// Unlimited is the hard limit sentinel: allocation for that kind always succeeds.
const Unlimited Quantity = -1

type Resource struct {
	Resources map[string]Quantity
}

var zeroResource = NewResource()

func NewResource() *Resource {
	return &Resource{Resources: make(map[string]Quantity)}
}

func NewResourceFromMap(m map[string]Quantity) *Resource {
	if m == nil {
		m = make(map[string]Quantity)
	}
	return &Resource{Resources: m}
}

// NewResourceFromConf creates a new resource from the config map.
// The config map must have been checked before being applied. The check here is just for safety so we do not crash.
func NewResourceFromConf(configMap map[string]string) (*Resource, error) {
	res := NewResource()
	for key, strVal := range configMap {
		floatValue, err := strconv.ParseFloat(strVal, 64)
		if err != nil {
			return nil, err
		}
		if floatValue < 0 && Quantity(floatValue) != Unlimited {
			return nil, fmt.Errorf("negative quantity %q for resource %s", strVal, key)
		}
		res.Resources[key] = Quantity(floatValue)
	}
	return res, nil
}

func (r *Resource) String() string {
	if r == nil {
		return "nil resource"
	}
	keys := make([]string, 0, len(r.Resources))
	for k := range r.Resources {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s:%v", k, float64(r.Resources[k])))
	}
	return "map[" + strings.Join(parts, " ") + "]"
}

// Clone returns a copy of the resource, skipping zero valued quantities.
func (r *Resource) Clone() *Resource {
	if r == nil {
		return nil
	}
	ret := NewResource()
	for k, v := range r.Resources {
		if v != 0 {
			ret.Resources[k] = v
		}
	}
	return ret
}

// Get returns the quantity for the kind, zero if not set.
func (r *Resource) Get(kind string) Quantity {
	if r == nil {
		return 0
	}
	return r.Resources[kind]
}

// IsEmpty returns true if all quantities are zero or the resource is nil.
func (r *Resource) IsEmpty() bool {
	if r == nil {
		return true
	}
	for _, v := range r.Resources {
		if v != 0 {
			return false
		}
	}
	return true
}

// Operations
// All operations must be nil safe

// Add resources returning a new resource with the result,
// a nil resource is considered an empty resource.
func Add(left, right *Resource) *Resource {
	if left == nil {
		left = zeroResource
	}
	if right == nil {
		right = zeroResource
	}
	out := NewResource()
	for k, v := range right.Resources {
		out.Resources[k] = v
	}
	for k, v := range left.Resources {
		out.Resources[k] += v
	}
	return out
}

// Sub subtracts resources returning a new resource with the result,
// a nil resource is considered an empty resource.
// This might return negative values for specific quantities.
func Sub(left, right *Resource) *Resource {
	if left == nil {
		left = zeroResource
	}
	if right == nil {
		right = zeroResource
	}
	out := NewResource()
	for k, v := range left.Resources {
		out.Resources[k] = v
	}
	for k, v := range right.Resources {
		out.Resources[k] -= v
	}
	return out
}

// AddTo adds the additional resource to the base, updating the base in place.
// A nil addition leaves base unchanged.
func AddTo(base, additional *Resource) {
	if base == nil || additional == nil {
		return
	}
	for k, v := range additional.Resources {
		base.Resources[k] += v
	}
}

// SubFromClamped subtracts the delta from base in place, clamping every
// quantity at zero so usage can never go negative. Returns true if any
// quantity was clamped.
func SubFromClamped(base, delta *Resource) bool {
	if base == nil || delta == nil {
		return false
	}
	clamped := false
	for k, v := range delta.Resources {
		left := base.Resources[k] - v
		if left < 0 {
			left = 0
			clamped = true
		}
		base.Resources[k] = left
	}
	return clamped
}

// FitIn checks whether request fits in the headroom left between used and
// limit: used + request <= limit for every kind present in limit. Kinds with
// an Unlimited limit always fit, kinds absent from the limit are denied
// unless the limit itself is nil (no limit configured at all).
func FitIn(limit, used, request *Resource) bool {
	if limit == nil {
		return true
	}
	if request == nil {
		request = zeroResource
	}
	for k, v := range request.Resources {
		if v == 0 {
			continue
		}
		max, ok := limit.Resources[k]
		if !ok {
			return false
		}
		if max == Unlimited {
			continue
		}
		if used.Get(k)+v > max {
			return false
		}
	}
	return true
}

// ExceedsLimit returns the first kind for which the request alone can never
// fit the hard limit, empty string when the request is satisfiable.
func ExceedsLimit(limit, request *Resource) string {
	if limit == nil || request == nil {
		return ""
	}
	keys := make([]string, 0, len(request.Resources))
	for k := range request.Resources {
		keys = append(keys, k)
	}
	// deterministic error reporting
	sort.Strings(keys)
	for _, k := range keys {
		v := request.Resources[k]
		if v == 0 {
			continue
		}
		max, ok := limit.Resources[k]
		if !ok || max == Unlimited {
			continue
		}
		if v > max {
			return k
		}
	}
	return ""
}

// Equals compares all quantities, treating missing and zero as equal.
func Equals(left, right *Resource) bool {
	if left == nil {
		left = zeroResource
	}
	if right == nil {
		right = zeroResource
	}
	for k, v := range left.Resources {
		if right.Get(k) != v {
			return false
		}
	}
	for k, v := range right.Resources {
		if left.Get(k) != v {
			return false
		}
	}
	return true
}

// HasNegative returns true when any quantity is below zero, ignoring the
// Unlimited sentinel.
func (r *Resource) HasNegative() bool {
	if r == nil {
		return false
	}
	for _, v := range r.Resources {
		if v < 0 && v != Unlimited {
			return true
		}
	}
	return false
}

// StrictlyGreaterThanZero returns true if at least one quantity is positive.
func StrictlyGreaterThanZero(r *Resource) bool {
	if r == nil {
		return false
	}
	for _, v := range r.Resources {
		if v > 0 {
			return true
		}
	}
	return false
}

// CalcRatio returns numerator/denominator guarding against a zero or
// unlimited denominator.
func CalcRatio(numerator, denominator Quantity) float64 {
	if denominator <= 0 {
		return 0
	}
	ratio := float64(numerator) / float64(denominator)
	if math.IsNaN(ratio) || math.IsInf(ratio, 0) {
		return 0
	}
	return ratio
}
