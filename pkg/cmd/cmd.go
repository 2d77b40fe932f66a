// Package cmd is the entrypoint to cli
package cmd

import (
	"context"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sciencegateway/jobgate/pkg/cmd/cancel"
	"github.com/sciencegateway/jobgate/pkg/cmd/cmderrors"
	"github.com/sciencegateway/jobgate/pkg/cmd/copy"
	"github.com/sciencegateway/jobgate/pkg/cmd/credential"
	"github.com/sciencegateway/jobgate/pkg/cmd/ls"
	"github.com/sciencegateway/jobgate/pkg/cmd/resource"
	"github.com/sciencegateway/jobgate/pkg/cmd/serve"
	"github.com/sciencegateway/jobgate/pkg/cmd/status"
	"github.com/sciencegateway/jobgate/pkg/cmd/storage"
	"github.com/sciencegateway/jobgate/pkg/cmd/submit"
	"github.com/sciencegateway/jobgate/pkg/cmd/version"
	"github.com/sciencegateway/jobgate/pkg/cmdcontext"
	"github.com/sciencegateway/jobgate/pkg/config"
	"github.com/sciencegateway/jobgate/pkg/errors"
	"github.com/sciencegateway/jobgate/pkg/store"
	"github.com/sciencegateway/jobgate/pkg/terminal"
)

// app holds what the root command resolves before any subcommand runs.
type app struct {
	t  *terminal.Terminal
	fs afero.Fs

	cfgFile   string
	logLevel  string
	logFormat string
	debug     bool
	verbose   bool

	cfg config.Config
	env *cmdcontext.Env
}

// Execute runs the jobgate CLI and returns the process exit code.
func Execute() int {
	a := &app{t: terminal.New(), fs: afero.NewOsFs()}
	err := a.command().Execute()
	cmderrors.DisplayAndHandleError(a.t, a.reporter(), err, a.debug)
	if cerr := a.close(); cerr != nil {
		a.t.Errprint(cerr, "while shutting down")
	}
	if err != nil {
		return 1
	}
	return 0
}

func NewDefaultJobgateCommand() *cobra.Command {
	return NewJobgateCommand(terminal.New(), afero.NewOsFs())
}

// NewJobgateCommand builds the command tree. Configuration files are read
// from fs.
func NewJobgateCommand(t *terminal.Terminal, fs afero.Fs) *cobra.Command {
	a := &app{t: t, fs: fs}
	cmd := a.command()
	cmd.PersistentPostRunE = func(cmd *cobra.Command, args []string) error {
		return errors.WrapAndTrace(a.close())
	}
	return cmd
}

func (a *app) command() *cobra.Command {
	cmds := &cobra.Command{
		Use:   "jobgate",
		Short: "submit and monitor jobs on HPC schedulers",
		Long: `
      jobgate submits job scripts to PBS, SLURM, LSF, UGE and fork
      compute resources over SSH or locally, and tracks them until
      they finish.`,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: a.setup,
		Run:               runHelp,
	}

	cmds.PersistentFlags().StringVar(&a.cfgFile, "config", "", "config file (default ./jobgate.yaml or /etc/jobgate/jobgate.yaml)")
	cmds.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "debug, info, warn or error")
	cmds.PersistentFlags().StringVar(&a.logFormat, "log-format", "console", "console or json")
	cmds.PersistentFlags().BoolVar(&a.debug, "debug", false, "print full error chains")
	cmds.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "print which configuration was loaded")

	cmds.AddCommand(submit.NewCmdSubmit(a.t, a.fs, a.openEnv))
	cmds.AddCommand(status.NewCmdStatus(a.t, a.openEnv))
	cmds.AddCommand(cancel.NewCmdCancel(a.t, a.openEnv))
	cmds.AddCommand(ls.NewCmdLs(a.t, a.openEnv))
	cmds.AddCommand(copy.NewCmdCopy(a.t, a.fs, a.openEnv))
	cmds.AddCommand(storage.NewCmdStorage(a.t, a.openEnv))
	cmds.AddCommand(resource.NewCmdResource(a.t, a.fileStore))
	cmds.AddCommand(credential.NewCmdCredential(a.t, a.fs, a.fileStore))
	cmds.AddCommand(serve.NewCmdServe(a.t, a.openEnv))
	cmds.AddCommand(version.NewCmdVersion(a.t))

	return cmds
}

func (a *app) setup(cmd *cobra.Command, _ []string) error {
	a.t.SetVerbose(a.verbose)
	v := config.NewViper()
	v.SetFs(a.fs)
	if a.cfgFile != "" {
		v.SetConfigFile(a.cfgFile)
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if a.cfgFile != "" || !errors.As(err, &notFound) {
			return errors.WrapAndTrace(err)
		}
	}
	if a.logLevel != "" {
		v.Set(config.KeyLogLevel, a.logLevel)
	}

	cfg, err := config.Load(v)
	if err != nil {
		return errors.WrapAndTrace(errors.NewValidationError(errors.Root(err).Error()))
	}
	a.cfg = cfg

	level, err := log.ParseLevel(cfg.LogLevel)
	if err != nil {
		return errors.WrapAndTrace(err)
	}
	log.SetLevel(level)
	if used := v.ConfigFileUsed(); used != "" {
		log.Debugf("using config file %s", used)
		a.t.Printf("Using config file %s\n", used)
	}
	return nil
}

// openEnv opens the shared environment once per invocation.
func (a *app) openEnv(ctx context.Context, opts ...cmdcontext.Option) (*cmdcontext.Env, error) {
	if a.env != nil {
		return a.env, nil
	}
	logger, err := newLogger(a.cfg.LogLevel, a.logFormat)
	if err != nil {
		return nil, errors.WrapAndTrace(err)
	}
	opts = append([]cmdcontext.Option{
		cmdcontext.WithFileSystem(a.fs),
		cmdcontext.WithRelease(version.Current()),
	}, opts...)
	env, err := cmdcontext.Open(ctx, a.cfg, logger, opts...)
	if err != nil {
		return nil, errors.WrapAndTrace(err)
	}
	a.env = env
	return env, nil
}

func (a *app) fileStore() *store.FileStore {
	return store.NewBasicStore().
		WithFileSystem(a.fs).
		WithCatalogFile(a.cfg.CatalogFile).
		WithCredentialDir(a.cfg.CredentialDir)
}

func (a *app) reporter() errors.ErrorReporter {
	if a.env != nil {
		return a.env.Reporter
	}
	return errors.GetErrorReporter(a.cfg.SentryDSN, version.Current())
}

func (a *app) close() error {
	if a.env == nil {
		return nil
	}
	err := a.env.Close()
	_ = a.env.Log.Sync()
	a.env = nil
	return err
}

func newLogger(level, format string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, errors.WrapAndTrace(err)
	}
	var zc zap.Config
	switch format {
	case "json":
		zc = zap.NewProductionConfig()
	case "console", "":
		zc = zap.NewDevelopmentConfig()
		zc.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		zc.DisableStacktrace = true
	default:
		return nil, errors.NewValidationError("--log-format must be console or json")
	}
	zc.Level = zap.NewAtomicLevelAt(lvl)
	logger, err := zc.Build()
	return logger, errors.WrapAndTrace(err)
}

func runHelp(cmd *cobra.Command, _ []string) {
	_ = cmd.Help()
}
