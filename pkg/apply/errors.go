/*
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

package apply

import "errors"

// Sentinel classification errors, checked with errors.Is per Go 1.13+
// wrapping idiom. None of these are fatal to the scheduler loop: each
// is handled at the call site.
var (
	// ErrInfeasiblePod means no machine type in the catalog can hold a
	// pending pod; it is reported back, not treated as a create failure.
	ErrInfeasiblePod = errors.New("apply: pod is infeasible for any catalog offering")

	// ErrConstraintViolation means applying a plan would have violated
	// a hard constraint (worker count or cluster CPU cap). The optimizer
	// checks constraints itself; Apply does not check them again and
	// never returns this error.
	ErrConstraintViolation = errors.New("apply: plan violates a hard constraint")

	// ErrZoneResourcePoolExhausted and ErrQuotaExceeded classify
	// provider create failures that should trigger the same-price
	// region fallback rather than aborting the node's creation outright.
	ErrZoneResourcePoolExhausted = errors.New("apply: zone resource pool exhausted")
	ErrQuotaExceeded             = errors.New("apply: quota exceeded")
)
