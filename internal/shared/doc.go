// Package shared holds code used across keygate packages that belongs to no
// single domain layer.
//
// The testutil subpackage provides:
//
//	- BufferedSlogHandler and NewTestLogger to capture and assert on logs
//	- Clock, a manually advanced time source
//	- Key, binding and activation fixtures built against a fixed instant
//	- SeqReader, a deterministic entropy source for key and token generation
//
// Example usage:
//
//	func TestSomething(t *testing.T) {
//	    logger, logs := testutil.NewTestLogger(t)
//	    clock := testutil.NewClock(testutil.Epoch)
//	    rec := testutil.IssuedKey("LL-1A2B-3C", clock.Now())
//	    ...
//	    testutil.AssertNoErrors(t, logs)
//	}
package shared
