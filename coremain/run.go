package coremain

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"

	"github.com/go-viper/mapstructure/v2"
	"github.com/kardianos/service"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/pmkol/dnscache/mlog"
	"github.com/pmkol/dnscache/pkg/record"
)

type serverFlags struct {
	c         string
	dir       string
	cpu       int
	asService bool
}

var rootCmd = &cobra.Command{
	Use: "dnscache",
}

func init() {
	sf := new(serverFlags)
	startCmd := &cobra.Command{
		Use:   "start [-c config_file] [-d working_dir]",
		Short: "Start the dnscache api server.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if sf.asService {
				svc, err := service.New(&serverService{f: sf}, svcCfg)
				if err != nil {
					return fmt.Errorf("failed to init service, %w", err)
				}
				return svc.Run()
			}
			return StartServer(sf)
		},
		DisableFlagsInUseLine: true,
		SilenceUsage:          true,
	}
	rootCmd.AddCommand(startCmd)
	fs := startCmd.Flags()
	fs.StringVarP(&sf.c, "config", "c", "", "config file")
	fs.StringVarP(&sf.dir, "dir", "d", "", "working dir")
	fs.IntVar(&sf.cpu, "cpu", 0, "set runtime.GOMAXPROCS")
	fs.BoolVar(&sf.asService, "as-service", false, "start as a service")
	fs.MarkHidden("as-service")

	rootCmd.AddCommand(newDumpCmd())

	serviceCmd := &cobra.Command{
		Use:   "service",
		Short: "Manage dnscache as a system service.",
	}
	serviceCmd.PersistentPreRunE = initService
	serviceCmd.AddCommand(
		newSvcInstallCmd(),
		newSvcUninstallCmd(),
		newSvcStartCmd(),
		newSvcStopCmd(),
		newSvcRestartCmd(),
		newSvcStatusCmd(),
	)
	rootCmd.AddCommand(serviceCmd)
}

func AddSubCmd(c *cobra.Command) {
	rootCmd.AddCommand(c)
}

func Run() error {
	return rootCmd.Execute()
}

// prepare applies sf and loads the config.
func prepare(sf *serverFlags) (*Config, error) {
	if sf.cpu > 0 {
		runtime.GOMAXPROCS(sf.cpu)
	}

	if len(sf.dir) > 0 {
		err := os.Chdir(sf.dir)
		if err != nil {
			return nil, fmt.Errorf("failed to change the current working directory, %w", err)
		}
		mlog.L().Info("working directory changed", zap.String("path", sf.dir))
	}

	cfg, fileUsed, err := loadConfig(sf.c)
	if err != nil {
		return nil, fmt.Errorf("fail to load config, %w", err)
	}
	mlog.L().Info("config loaded", zap.String("file", fileUsed))
	return cfg, nil
}

func StartServer(sf *serverFlags) error {
	cfg, err := prepare(sf)
	if err != nil {
		return err
	}
	d, err := NewDNSCache(cfg)
	if err != nil {
		return err
	}

	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, os.Interrupt, syscall.SIGTERM)
		defer signal.Stop(c)
		select {
		case s := <-c:
			mlog.L().Info("signal received, exiting", zap.Stringer("signal", s))
			d.GetSafeClose().SendCloseSignal(nil)
		case <-d.GetSafeClose().ReceiveCloseSignal():
		}
	}()

	if err := d.Run(); err != nil {
		return fmt.Errorf("dnscache exited, %w", err)
	}
	return nil
}

const maxIncludeDepth = 8

// loadConfig load a config from a file. If filePath is empty, it will
// automatically search and load a file which name start with "config".
// Files listed in "include" are loaded first, the including file
// overrides them key by key.
func loadConfig(filePath string) (*Config, string, error) {
	v, err := readConfig(filePath, 0, []string{filePath})
	if err != nil {
		return nil, "", err
	}

	decoderOpt := func(cfg *mapstructure.DecoderConfig) {
		cfg.ErrorUnused = true
		cfg.TagName = "yaml"
		cfg.WeaklyTypedInput = true
	}

	cfg := new(Config)
	if err := v.Unmarshal(cfg, decoderOpt); err != nil {
		return nil, "", fmt.Errorf("failed to unmarshal config: %w", err)
	}
	// Includes are already merged in.
	cfg.Include = nil
	return cfg, v.ConfigFileUsed(), nil
}

func readConfig(filePath string, depth int, paths []string) (*viper.Viper, error) {
	v := viper.New()
	if len(filePath) > 0 {
		v.SetConfigFile(filePath)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	includes := v.GetStringSlice("include")
	if len(includes) == 0 {
		return v, nil
	}
	depth++
	if depth > maxIncludeDepth {
		return nil, fmt.Errorf("maximum include depth reached, include path is %s", strings.Join(paths, " -> "))
	}

	merged := viper.New()
	merged.SetConfigFile(v.ConfigFileUsed())
	for _, subCfgFile := range includes {
		mlog.L().Info("reading sub config", zap.String("file", subCfgFile))
		sub, err := readConfig(subCfgFile, depth, append(paths, subCfgFile))
		if err != nil {
			return nil, fmt.Errorf("failed to load sub config, %w", err)
		}
		if err := merged.MergeConfigMap(sub.AllSettings()); err != nil {
			return nil, err
		}
	}
	if err := merged.MergeConfigMap(v.AllSettings()); err != nil {
		return nil, err
	}
	return merged, nil
}

func newDumpCmd() *cobra.Command {
	sf := new(serverFlags)
	var format string
	c := &cobra.Command{
		Use:   "dump [-c config_file] [--format yaml|json]",
		Short: "Print all cached records.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := prepare(sf)
			if err != nil {
				return err
			}
			d, err := NewDNSCache(cfg)
			if err != nil {
				return err
			}
			defer d.closeStore()
			rs, err := d.GetService().GetAllCachedRecords(context.Background())
			if err != nil {
				return fmt.Errorf("failed to read cache, %w", err)
			}
			return writeRecords(cmd.OutOrStdout(), rs, format)
		},
		DisableFlagsInUseLine: true,
		SilenceUsage:          true,
	}
	fs := c.Flags()
	fs.StringVarP(&sf.c, "config", "c", "", "config file")
	fs.StringVarP(&sf.dir, "dir", "d", "", "working dir")
	fs.StringVar(&format, "format", "yaml", "output format, yaml or json")
	return c
}

func writeRecords(w io.Writer, rs []*record.Record, format string) error {
	switch format {
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(rs); err != nil {
			return err
		}
		return enc.Close()
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(rs)
	default:
		return fmt.Errorf("unknown format %s", format)
	}
}
