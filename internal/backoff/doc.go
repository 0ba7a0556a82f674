// Package backoff implements the exponential retry pacing used for network
// joins, session connects and backend registration.
//
// A Policy is a pure description of the curve; a State tracks one failure
// domain against it. Callers pass the current time explicitly so tests can
// drive the clock:
//
//	st := backoff.New(backoff.Policy{Initial: 2 * time.Second, Max: 30 * time.Second, Multiplier: 2})
//	if st.ShouldRetry(now) {
//	    st.RecordAttempt(now)
//	    if err := join(ctx); err == nil {
//	        st.Reset()
//	    }
//	}
package backoff
