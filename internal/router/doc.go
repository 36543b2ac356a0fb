// Package router holds the immutable routing snapshot and the backend
// selector.
//
// A State is built once per configuration and published through a Holder.
// Hot reload builds a new State and swaps it in with a single atomic store;
// requests and health cycles that already loaded the old State keep using
// it until they finish.
//
//	holder := router.NewHolder(state)
//	b, err := router.Select(holder.Load(), method)
//	if errors.Is(err, router.ErrNoHealthyBackend) {
//	    // 503
//	}
//
// Selection is weighted random over backends whose health flag is set.
package router
