package credential

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"strings"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"

	"github.com/sciencegateway/jobgate/pkg/store"
)

func writeKey(t *testing.T, fs afero.Fs, path string) {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	block, err := ssh.MarshalPrivateKey(priv, "")
	require.NoError(t, err)
	require.NoError(t, afero.WriteFile(fs, path, pem.EncodeToMemory(block), 0o600))
}

func TestRunSet(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeKey(t, fs, "/home/alice/.ssh/id_ed25519")
	cs := store.NewBasicStore().WithFileSystem(fs).WithCredentialDir("/home/alice/.jobgate/credentials")

	publicKey, err := RunSet(fs, cs, setOptions{gatewayID: "seagrid", token: "tok-123", loginUser: "alice", keyPath: "/home/alice/.ssh/id_ed25519"})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(publicKey, "ssh-ed25519 "))

	cred, err := cs.Resolve(context.Background(), "tok-123", "seagrid")
	require.NoError(t, err)
	assert.Equal(t, "alice", cred.LoginUser)
	assert.Contains(t, string(cred.PrivateKey), "OPENSSH PRIVATE KEY")
}

func TestRunSetValidation(t *testing.T) {
	fs := afero.NewMemMapFs()
	cs := store.NewBasicStore().WithFileSystem(fs).WithCredentialDir("/creds")

	_, err := RunSet(fs, cs, setOptions{loginUser: "alice"})
	assert.EqualError(t, err, "missing required flags: --gateway, --token, --key")

	require.NoError(t, afero.WriteFile(fs, "/bad.key", []byte("not a key"), 0o600))
	_, err = RunSet(fs, cs, setOptions{gatewayID: "g", token: "t", loginUser: "alice", keyPath: "/bad.key"})
	assert.Error(t, err)
}
