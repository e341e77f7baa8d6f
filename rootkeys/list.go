package rootkeys

// RSARootKey is one hardcoded trust anchor: modulus as base64url,
// exponent as integer. The production set ships in the binary; the test
// set is compiled in only under the testrootkeys build tag.
type RSARootKey struct {
	KID string
	N   string
	E   int
}

// hardcodedRootKeys is the canonical embedded trust anchor set. Root key
// package validation requires a verifying signature for every entry.
var hardcodedRootKeys = []RSARootKey{
	{
		KID: "DU.202402.R",
		N:   "lRb_D822o7jadwDFKW-CSDXQ-_oiiC9xKJsGQbOMZMfNEC33LkDRGnzICFSC0ozc1RkyKLT7HBxjUYNagQOzH781jiFg3p0zLhmeOxv89uRpcHxZ7LT-P0G7mHlcSVU1zrgty1E0bbz1Ae8UbP-9WcbH8_9380eu-RcxkHbuNXBtGuvFNBL48nI1TPiqDRN8MNhUbXoP_PYEASUjJiHcN48jDtePlwzwWsx1oSP0UO2n27JuldSAQpkVBbpOmEhzY-nYRGaaaPAnj0h9_eUdQ5ru9U03qPZPyLvGs6RLt_B0BT29lw5EMThfV3Xvmg7__QCsCxFdFswLhA7UKZEkRw",
		E:   65537,
	},
	{
		KID: "DU.202407.R",
		N:   "yIeX56JG-n0kUIcZPf0N7i4Gpph3kuDbaRQHSMk7R86f0jU7-E3OrdDNpTMueZjZA9RxS3b4Q8SkRT2XctsLUQQj1ObU9VwoDr3_YWgD05mmhPRPzyd-CY46zamv5IrreTy2wfKRannrckOMNsM1WwJSXcLqcGf5Y3fidJBnKirtpVW-B_qUUaNdoMh1omywCaBRFjlTgQ6F9M6CMRpwUuziDrh3H5ZnobVMEYL98OVk3ISIwsKvXgVe4zWpSF2fuN3UVUwwRkfm-rItHTwchxrxNw6mbkACX18yiQfSRAPcLs89WpPNZT6w5DRgvs_fS-ixyuXEzxnpqKImHUdqRg",
		E:   65537,
	},
}

// HardcodedRootKeys returns the embedded trust anchor set.
func HardcodedRootKeys() []RSARootKey {
	out := make([]RSARootKey, len(hardcodedRootKeys))
	copy(out, hardcodedRootKeys)
	return out
}
