package descriptor

import "testing"

// A well-known BIP32 test vector extended public key (depth 0, mainnet).
const testXpub = "xpub661MyMwAqRbcFtXgS5sYJABqqG9YLmC4Q1Rdap9gSE8NqtwybGhePY2gZ29ESFjqJoCu1Rupje8YtGqsefD265TMg7usUDFdp6W1EGMcet8"

func TestDeriveDeterministic(t *testing.T) {
	d1, err := New("wpkh("+testXpub+"/0/*)", NetworkMainnet)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	d2, err := New("wpkh("+testXpub+"/0/*)", NetworkMainnet)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	a1, err := d1.Derive(0)
	if err != nil {
		t.Fatalf("Derive: %v", err)
	}
	a2, err := d2.Derive(0)
	if err != nil {
		t.Fatalf("Derive: %v", err)
	}
	if a1.Address != a2.Address || a1.ScriptPubKeyHex != a2.ScriptPubKeyHex {
		t.Fatalf("derivation not deterministic across engines: %+v vs %+v", a1, a2)
	}

	a3, err := d1.Derive(1)
	if err != nil {
		t.Fatalf("Derive(1): %v", err)
	}
	if a3.Address == a1.Address {
		t.Fatalf("index 0 and 1 produced the same address")
	}
}

func TestUnsupportedDescriptor(t *testing.T) {
	if _, err := New("miniscript(pk("+testXpub+"))", NetworkMainnet); err == nil {
		t.Fatalf("expected error for unsupported descriptor kind")
	}
}

func TestInvalidXpub(t *testing.T) {
	if _, err := New("wpkh(not-an-xpub/0/*)", NetworkMainnet); err == nil {
		t.Fatalf("expected error for invalid xpub")
	}
}

func TestRejectsNonExternalPath(t *testing.T) {
	if _, err := New("wpkh("+testXpub+"/1/*)", NetworkMainnet); err == nil {
		t.Fatalf("expected error for internal chain path")
	}
}

func TestUnknownNetwork(t *testing.T) {
	if _, err := New("wpkh("+testXpub+"/0/*)", "fakenet"); err == nil {
		t.Fatalf("expected error for unknown network")
	}
}
