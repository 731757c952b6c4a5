/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/spf13/cobra"
	"go.uber.org/zap/zapcore"
	"k8s.io/client-go/kubernetes"
	"k8s.io/klog/v2"
	metricsv "k8s.io/metrics/pkg/client/clientset/versioned"
	controllerruntime "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/log"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"
	"sigs.k8s.io/controller-runtime/pkg/manager"
	crmetricsserver "sigs.k8s.io/controller-runtime/pkg/metrics/server"

	"github.com/nodeforge/fleetpacker/pkg/anneal"
	"github.com/nodeforge/fleetpacker/pkg/apply"
	"github.com/nodeforge/fleetpacker/pkg/catalog"
	"github.com/nodeforge/fleetpacker/pkg/compute"
	"github.com/nodeforge/fleetpacker/pkg/config"
	"github.com/nodeforge/fleetpacker/pkg/placer"
	"github.com/nodeforge/fleetpacker/pkg/postprocess"
	"github.com/nodeforge/fleetpacker/pkg/provider/ec2compute"
	"github.com/nodeforge/fleetpacker/pkg/provider/k8sdriver"
	"github.com/nodeforge/fleetpacker/pkg/scheduler"
	"github.com/nodeforge/fleetpacker/pkg/snapshot"
)

// runnable adapts the scheduler and consolidator loops to
// manager.Runnable so they start and stop alongside controller-
// runtime's own lifecycle (shared signal handling context) instead of
// hand-rolling a separate goroutine+WaitGroup bootstrap, the way the
// teacher's cmd/controller/main.go delegates its reconcilers to the
// manager rather than running them standalone.
type runnable struct {
	sched        *scheduler.Scheduler
	consolidator *scheduler.Consolidator
	opts         *config.Options
}

func (r *runnable) Start(ctx context.Context) error {
	ctx = r.opts.Inject(ctx)
	go r.sched.Run(ctx, time.Duration(r.opts.IntervalSec)*time.Second)
	r.consolidator.Run(ctx, time.Duration(r.opts.ConsolidatorIntervalSec)*time.Second)
	return nil
}

var _ manager.Runnable = (*runnable)(nil)

// newRootCommand builds the cobra entrypoint, binding the stdlib
// flag.FlagSet that config.Options.AddFlags populates onto the
// command's pflag.FlagSet via AddGoFlagSet, the same bridge
// kubernetes.io controller binaries use to keep env-default-aware
// stdlib flags working under a cobra command tree.
func newRootCommand() (*cobra.Command, *config.Options, *string, *string) {
	opts := &config.Options{}
	goFlags := flag.NewFlagSet("fleetpacker-controller", flag.ContinueOnError)
	opts.AddFlags(goFlags)
	metricsAddr := goFlags.String("metrics-addr", ":8080", "The address the metrics endpoint binds to.")
	ec2Region := goFlags.String("ec2-bootstrap-region", "us-east-1", "Region used to resolve the initial AWS config; per-node regions come from each plan.")

	cmd := &cobra.Command{
		Use:           "fleetpacker-controller",
		Short:         "Runs the cost-aware bin-packing scheduler and apply loop.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.Flags().AddGoFlagSet(goFlags)
	return cmd, opts, metricsAddr, ec2Region
}

func main() {
	rootCmd, opts, metricsAddr, ec2Region := newRootCommand()
	rootCmd.RunE = func(cmd *cobra.Command, args []string) error {
		return run(opts, *metricsAddr, *ec2Region)
	}
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(opts *config.Options, metricsAddr, ec2Region string) error {
	if err := opts.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	level := zapcore.InfoLevel
	switch opts.LogLevel {
	case "debug":
		level = zapcore.DebugLevel
	case "error":
		level = zapcore.ErrorLevel
	}
	zapLogger := zap.New(zap.UseDevMode(true), zap.Level(level))
	controllerruntime.SetLogger(zapLogger)
	klog.SetLogger(zapLogger.WithName("klog"))
	logger := controllerruntime.Log.WithName("fleetpacker")
	ctx := log.IntoContext(controllerruntime.SetupSignalHandler(), logger)

	restCfg := controllerruntime.GetConfigOrDie()
	mgr, err := controllerruntime.NewManager(restCfg, controllerruntime.Options{
		Metrics: crmetricsserver.Options{BindAddress: metricsAddr},
	})
	if err != nil {
		return fmt.Errorf("unable to start manager: %w", err)
	}

	coreClientset, err := kubernetes.NewForConfig(restCfg)
	if err != nil {
		return fmt.Errorf("unable to build core clientset: %w", err)
	}
	metricsClientset, err := metricsv.NewForConfig(restCfg)
	if err != nil {
		return fmt.Errorf("unable to build metrics clientset: %w", err)
	}

	cat, err := catalog.Load(opts.MachineTypesPath, opts.PricesPath)
	if err != nil {
		return fmt.Errorf("unable to load catalog: %w", err)
	}

	nodeInfo := snapshot.NewNodeInfoStore(opts.NodeInfoPath)
	metricsSource := k8sdriver.NewMetricsServerSource(metricsClientset, coreClientset)
	driver := k8sdriver.New(mgr.GetClient(), metricsSource, k8sdriver.DefaultConfig())
	snapper := snapshot.New(driver, nodeInfo)

	seed := placer.New(placer.DefaultConfig(), cat)
	annealCfg := anneal.DefaultConfig()
	annealCfg.NIter = opts.NIter
	annealCfg.T0 = opts.T0
	annealCfg.Tmin = opts.Tmin
	annealCfg.Alpha = opts.Alpha
	annealCfg.MaxWorkerNodes = opts.MaxWorkerNodes
	annealCfg.MaxClusterCPU = opts.MaxClusterCPU
	optimizer := anneal.New(annealCfg, cat, seed, rand.New(rand.NewSource(time.Now().UnixNano())))

	vmProvider, err := buildEC2Provider(ctx, ec2Region)
	if err != nil {
		return fmt.Errorf("unable to build EC2 VM provider: %w", err)
	}
	applier := apply.New(driver, vmProvider, cat, nodeInfo, apply.DefaultConfig())
	history := scheduler.NewHistoryWriter(opts.HistoryPath)

	sched := scheduler.New(
		snapper, optimizer, cat,
		postprocess.DefaultReuseConfig(), postprocess.DefaultPackConfig(),
		applier, history,
		scheduler.Config{
			Cooldown:        time.Duration(opts.CooldownSec) * time.Second,
			FullThreshold:   opts.FullThreshold,
			PostCycleSettle: time.Duration(opts.PostCycleSettleSec) * time.Second,
			Weights:         annealCfg.Weights,
		},
	)
	consolidator := scheduler.NewConsolidator(sched, driver, vmProvider, scheduler.ConsolidatorConfig{
		LowThr:            opts.LowThr,
		CreationBlockSec:  time.Duration(opts.CreationBlockSec) * time.Second,
		DeleteConcurrency: 2,
	})

	if err := mgr.Add(&runnable{sched: sched, consolidator: consolidator, opts: opts}); err != nil {
		return fmt.Errorf("unable to register scheduler runnable: %w", err)
	}

	logger.Info("starting fleetpacker controller", "interval_sec", opts.IntervalSec)
	if err := mgr.Start(ctx); err != nil {
		return fmt.Errorf("problem running manager: %w", err)
	}
	return nil
}

// buildEC2Provider wires pkg/provider/ec2compute against a per-region
// cache of EC2 clients built from the default AWS credential chain via
// aws-sdk-go-v2/config.LoadDefaultConfig. The LaunchTemplate it passes
// is empty: no AMI is configured for any region, so Create fails for
// every region until AMI and networking details are filled in here.
func buildEC2Provider(ctx context.Context, bootstrapRegion string) (compute.VMProvider, error) {
	clients := map[string]*ec2.Client{}
	resolver := func(ctx context.Context, region string) (ec2compute.EC2API, error) {
		if c, ok := clients[region]; ok {
			return c, nil
		}
		cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
		if err != nil {
			return nil, err
		}
		c := ec2.NewFromConfig(cfg)
		clients[region] = c
		return c, nil
	}
	// Warm the bootstrap region so a misconfigured default credential
	// chain fails fast at startup rather than on the first apply cycle.
	if _, err := resolver(ctx, bootstrapRegion); err != nil {
		return nil, err
	}
	return ec2compute.New(resolver, ec2compute.LaunchTemplate{
		AMIByRegion: map[string]string{},
	}), nil
}
