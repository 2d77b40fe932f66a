// Package util holds flag and environment helpers shared by commands.
package util

import (
	"context"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/tweekmonster/luser"

	"github.com/sciencegateway/jobgate/pkg/agent"
	"github.com/sciencegateway/jobgate/pkg/cmdcontext"
	"github.com/sciencegateway/jobgate/pkg/config"
	"github.com/sciencegateway/jobgate/pkg/entity"
	"github.com/sciencegateway/jobgate/pkg/errors"
	"github.com/sciencegateway/jobgate/pkg/store"
	"github.com/sciencegateway/jobgate/pkg/submission"
)

// AdaptorSource connects to a compute resource for file and storage
// operations.
type AdaptorSource interface {
	Adaptor(ctx context.Context, t submission.Target) (agent.Adaptor, error)
}

// FileStoreProvider returns the catalog and credential file store for the
// loaded configuration.
type FileStoreProvider func() *store.FileStore

// EnvProvider opens the shared command environment on first use.
type EnvProvider func(ctx context.Context, opts ...cmdcontext.Option) (*cmdcontext.Env, error)

const tokenKey = "token"

// TargetFlags are the flags naming a compute resource and credential.
type TargetFlags struct {
	GatewayID         string
	ComputeResourceID string
	Protocol          string
	Token             string
	UserName          string
}

func (f *TargetFlags) AddFlags(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.ComputeResourceID, "resource", "r", "", "compute resource ID")
	cmd.Flags().StringVarP(&f.GatewayID, "gateway", "g", "", "gateway ID")
	cmd.Flags().StringVar(&f.Token, "token", os.Getenv(config.EnvName(tokenKey)), "credential store token (default $"+config.EnvName(tokenKey)+")")
	cmd.Flags().StringVar(&f.Protocol, "protocol", string(entity.ProtocolSSH), "job submission protocol, SSH or LOCAL")
	cmd.Flags().StringVarP(&f.UserName, "user", "u", DefaultUserName(), "gateway user the job runs for")
}

// Target validates the flags. Every missing flag is named in one error.
func (f TargetFlags) Target() (submission.Target, error) {
	var missing []string
	if strings.TrimSpace(f.ComputeResourceID) == "" {
		missing = append(missing, "--resource")
	}
	if strings.TrimSpace(f.GatewayID) == "" {
		missing = append(missing, "--gateway")
	}
	if strings.TrimSpace(f.Token) == "" {
		missing = append(missing, "--token")
	}
	if len(missing) > 0 {
		return submission.Target{}, errors.NewValidationError("missing required flags: " + strings.Join(missing, ", "))
	}
	protocol, err := entity.ParseProtocol(f.Protocol)
	if err != nil {
		return submission.Target{}, errors.NewValidationError(err.Error())
	}
	return submission.Target{
		GatewayID:         strings.TrimSpace(f.GatewayID),
		ComputeResourceID: strings.TrimSpace(f.ComputeResourceID),
		Protocol:          protocol,
		Token:             strings.TrimSpace(f.Token),
		UserName:          strings.TrimSpace(f.UserName),
	}, nil
}

// DefaultUserName is the login name of the local user, or "" when it cannot
// be determined.
func DefaultUserName() string {
	u, err := luser.Current()
	if err != nil || u == nil {
		return ""
	}
	return u.Username
}
