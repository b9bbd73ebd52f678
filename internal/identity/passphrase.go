package identity

// ChangePassphrase re-seals an existing keystore file under a new
// passphrase without altering the enclosed key material: it loads with
// the old passphrase, then re-derives fresh salt/nonce and saves under
// the new one.
func ChangePassphrase(path, oldPassphrase, newPassphrase string) error {
	plaintext, err := Load(path, oldPassphrase)
	if err != nil {
		return err
	}
	defer zero(plaintext)
	return Save(path, newPassphrase, plaintext)
}
