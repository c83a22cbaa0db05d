package ledger

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/minipipe/minipipe/internal/model"
	"github.com/minipipe/minipipe/internal/mperr"
)

func TestAllowedPermitsDocumentedHappyPath(t *testing.T) {
	t.Parallel()
	require.True(t, allowed(model.LedgerCreated, model.LedgerValidated))
	require.True(t, allowed(model.LedgerValidated, model.LedgerQueued))
	require.True(t, allowed(model.LedgerQueued, model.LedgerApplied))
	require.True(t, allowed(model.LedgerApplied, model.LedgerVerified))
	require.True(t, allowed(model.LedgerVerified, model.LedgerCommitted))
}

func TestAllowedRejectsSkippingStates(t *testing.T) {
	t.Parallel()
	require.False(t, allowed(model.LedgerCreated, model.LedgerApplied))
	require.False(t, allowed(model.LedgerCreated, model.LedgerCommitted))
}

func TestAllowedRejectsTransitionsOutOfTerminalStates(t *testing.T) {
	t.Parallel()
	require.False(t, allowed(model.LedgerCommitted, model.LedgerQueued))
	require.False(t, allowed(model.LedgerDropped, model.LedgerQueued))
}

func TestAllowedAlwaysPermitsQuarantineOrDropFromNonTerminal(t *testing.T) {
	t.Parallel()
	require.True(t, allowed(model.LedgerApplied, model.LedgerQuarantined))
	require.True(t, allowed(model.LedgerQueued, model.LedgerDropped))
}

func TestValidateRejectsEmptyPayload(t *testing.T) {
	t.Parallel()
	err := Validate(model.Patch{PatchID: "p1"}, []string{"**/*.go"})
	require.Error(t, err)
	var invalid *mperr.LedgerInvalidError
	require.ErrorAs(t, err, &invalid)
}

func TestValidateRejectsPathOutsideAllowedGlobs(t *testing.T) {
	t.Parallel()
	payload := []byte("--- a/secrets/key.pem\n+++ b/secrets/key.pem\n@@ -1 +1 @@\n-old\n+new\n")
	err := Validate(model.Patch{PatchID: "p1", Payload: payload}, []string{"src/*.go"})
	require.Error(t, err)
}

func TestValidateAcceptsCompliantDiff(t *testing.T) {
	t.Parallel()
	payload := []byte("--- a/src/foo.go\n+++ b/src/foo.go\n@@ -1 +1 @@\n-old\n+new\n")
	err := Validate(model.Patch{PatchID: "p1", Payload: payload}, []string{"src/*.go"})
	require.NoError(t, err)
}
