package migrate

import "testing"

func TestEmptyDSN(t *testing.T) {
	if err := Up(""); err == nil {
		t.Error("Up with empty DSN should fail")
	}
	if err := Down(""); err == nil {
		t.Error("Down with empty DSN should fail")
	}
	if _, _, err := Version(""); err == nil {
		t.Error("Version with empty DSN should fail")
	}
}

func TestEmbeddedSourceLoads(t *testing.T) {
	// An unreachable scheme still has to get past the embedded iofs source, so
	// this fails at the database step, not at reading migrations.
	err := Up("unknown-driver://nowhere")
	if err == nil {
		t.Fatal("Up against an unknown driver should fail")
	}
	if got := err.Error(); got == "" {
		t.Error("error should carry a message")
	}
}
