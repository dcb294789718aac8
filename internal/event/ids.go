package event

// Well-known event identifiers.
const (
	// ApplicationLoaded is triggered once every integrated module is active.
	ApplicationLoaded = "APPLICATION_LOADED"

	// RequestPublicKeyByFingerprint asks a listener for an armored public key.
	// Params: "fingerprint". Reply: "key" on success.
	RequestPublicKeyByFingerprint = "REQUEST_GET_PUBLIC_KEY_BY_FINGERPRINT"

	// PassphraseCached is triggered after a passphrase is stored for a key.
	// Params: "channel", "key_id".
	PassphraseCached = "PASSPHRASE_CACHED"

	// PassphraseRequest asks for a cached passphrase.
	// Params: "channel", "key_id". Reply: "found" ("1"/"0").
	PassphraseRequest = "PASSPHRASE_REQUEST"

	// EnvironmentChecked is triggered when environment readiness changes.
	// Params: "state" ("1"/"0"), "failed" (comma separated check names).
	EnvironmentChecked = "ENV_STATE_CHECKED"

	// EnvironmentCheckRequest asks for the environment to be checked again.
	// Reply: "state".
	EnvironmentCheckRequest = "REQUEST_ENV_CHECK"

	// PassphraseForget drops cached passphrases. Params: "channel",
	// optional "key_id" (all keys of the channel when absent).
	PassphraseForget = "PASSPHRASE_FORGET"
)
