// Package credential stores SSH credentials for compute resources
package credential

import (
	"strings"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"golang.org/x/crypto/ssh"

	"github.com/sciencegateway/jobgate/pkg/agent"
	"github.com/sciencegateway/jobgate/pkg/cmd/util"
	"github.com/sciencegateway/jobgate/pkg/entity"
	"github.com/sciencegateway/jobgate/pkg/errors"
	"github.com/sciencegateway/jobgate/pkg/terminal"
)

var credentialExample = `
  jobgate credential set -g seagrid --token tok-123 --login-user alice --key ~/.ssh/id_ed25519
	`

type CredentialStore interface {
	SaveCredential(token, gatewayID string, cred entity.Credential) error
}

type setOptions struct {
	gatewayID  string
	token      string
	loginUser  string
	keyPath    string
	passphrase string
}

func NewCmdCredential(t *terminal.Terminal, fs afero.Fs, stores util.FileStoreProvider) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "credential",
		Short:   "Manage SSH credentials in the local credential directory",
		Example: credentialExample,
	}

	var opts setOptions
	set := &cobra.Command{
		Use:                   "set",
		DisableFlagsInUseLine: true,
		Short:                 "Store a private key under a gateway and token",
		Args:                  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			publicKey, err := RunSet(fs, stores(), opts)
			if err != nil {
				return errors.WrapAndTrace(err)
			}
			DisplayPublicKey(t, publicKey)
			return nil
		},
	}
	set.Flags().StringVarP(&opts.gatewayID, "gateway", "g", "", "gateway ID")
	set.Flags().StringVar(&opts.token, "token", "", "token the credential is stored under")
	set.Flags().StringVar(&opts.loginUser, "login-user", util.DefaultUserName(), "login user on the compute resource")
	set.Flags().StringVar(&opts.keyPath, "key", "", "private key file")
	set.Flags().StringVar(&opts.passphrase, "passphrase", "", "private key passphrase")
	cmd.AddCommand(set)

	return cmd
}

// RunSet checks that the key parses and stores it. It returns the matching
// authorized_keys line.
func RunSet(fs afero.Fs, cs CredentialStore, opts setOptions) (string, error) {
	var missing []string
	for _, f := range []struct{ flag, value string }{
		{"--gateway", opts.gatewayID},
		{"--token", opts.token},
		{"--key", opts.keyPath},
		{"--login-user", opts.loginUser},
	} {
		if strings.TrimSpace(f.value) == "" {
			missing = append(missing, f.flag)
		}
	}
	if len(missing) > 0 {
		return "", errors.NewValidationError("missing required flags: " + strings.Join(missing, ", "))
	}

	key, err := afero.ReadFile(fs, opts.keyPath)
	if err != nil {
		return "", errors.WrapAndTrace(err)
	}
	auth := entity.AuthMaterial{PrivateKey: key, Passphrase: opts.passphrase}
	signer, err := agent.ParseSigner(auth)
	if err != nil {
		return "", errors.WrapAndTrace(err)
	}
	publicKey := ssh.MarshalAuthorizedKey(signer.PublicKey())
	auth.PublicKey = publicKey

	if err := cs.SaveCredential(opts.token, opts.gatewayID, entity.Credential{AuthMaterial: auth, LoginUser: opts.loginUser}); err != nil {
		return "", errors.WrapAndTrace(err)
	}
	return strings.TrimSpace(string(publicKey)), nil
}

func DisplayPublicKey(t *terminal.Terminal, publicKey string) {
	t.Vprintf("\n%s\n\n", publicKey)
	t.Eprint(t.Yellow("Add 👆 to ~/.ssh/authorized_keys on the compute resource."))
}
