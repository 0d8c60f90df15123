package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"flotilla/internal/cluster"
	"flotilla/internal/common"
	"flotilla/internal/orchestrator"
	"flotilla/internal/remote"
	"flotilla/internal/workload"
)

const version = "0.3.1"

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "validate":
		err = runValidate(os.Args[2:])
	case "health":
		err = runHealth(os.Args[2:])
	case "deploy":
		err = runDeploy(os.Args[2:])
	case "run":
		err = runRun(os.Args[2:])
	case "status":
		err = runStatus(os.Args[2:])
	case "version":
		fmt.Println("flotilla", version)
	default:
		usage()
		os.Exit(2)
	}

	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `Usage: flotilla <command> [flags]

Commands:
  validate   Validate topology and instance files without side effects
  health     Run a health check over all nodes and report
  deploy     Deploy a local code tree to all healthy nodes
  run        Compute placement and realize it on the cluster
  status     Query a running orchestrator's status endpoint
  version    Print version`)
}

// setup 加载配置与拓扑并初始化日志
func setup(configFile, topologyFile string) (*common.Config, *cluster.Topology, error) {
	config, err := common.LoadConfig(configFile)
	if err != nil {
		return nil, nil, err
	}
	if err := common.InitLogger(config.Logging); err != nil {
		return nil, nil, err
	}

	topo, err := cluster.LoadTopology(topologyFile)
	if err != nil {
		return nil, nil, err
	}
	return config, topo, nil
}

// runValidate 校验拓扑与实例描述，无任何副作用
func runValidate(args []string) error {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	configFile := fs.String("config", "", "Orchestrator configuration file")
	topologyFile := fs.String("topology", "configs/topology.yaml", "Cluster topology file")
	instancesFile := fs.String("instances", "", "Instance batch file")
	_ = fs.Parse(args)

	_, topo, err := setup(*configFile, *topologyFile)
	if err != nil {
		return err
	}
	defer common.Sync()

	fmt.Printf("topology ok: %d nodes\n", len(topo.Nodes))

	if *instancesFile != "" {
		batch, err := workload.LoadBatch(*instancesFile)
		if err != nil {
			return err
		}
		fmt.Printf("instances ok: %d instances\n", len(batch.Instances))
	}
	return nil
}

// runHealth 对所有节点执行一轮健康检查并输出报告
func runHealth(args []string) error {
	fs := flag.NewFlagSet("health", flag.ExitOnError)
	configFile := fs.String("config", "", "Orchestrator configuration file")
	topologyFile := fs.String("topology", "configs/topology.yaml", "Cluster topology file")
	_ = fs.Parse(args)

	config, topo, err := setup(*configFile, *topologyFile)
	if err != nil {
		return err
	}
	defer common.Sync()

	driver := remote.NewDriver(config.Remote)
	defer driver.Close()

	orch := orchestrator.New(config, topo, nil, driver, remote.NewSSHProber(config.Remote))
	statuses := orch.CheckHealth(context.Background())

	for _, node := range topo.SortedNodes() {
		status := statuses[node.Name]
		fmt.Printf("%-20s %-12s %s\n", node.Name, status.Health, status.Reason)
	}
	return nil
}

// runDeploy 将本地代码目录分发到所有健康节点
func runDeploy(args []string) error {
	fs := flag.NewFlagSet("deploy", flag.ExitOnError)
	configFile := fs.String("config", "", "Orchestrator configuration file")
	topologyFile := fs.String("topology", "configs/topology.yaml", "Cluster topology file")
	srcDir := fs.String("src", ".", "Local source directory to deploy")
	_ = fs.Parse(args)

	config, topo, err := setup(*configFile, *topologyFile)
	if err != nil {
		return err
	}
	defer common.Sync()

	driver := remote.NewDriver(config.Remote)
	defer driver.Close()

	orch := orchestrator.New(config, topo, nil, driver, remote.NewSSHProber(config.Remote))
	failures := orch.DeployAll(context.Background(), *srcDir)

	for node, err := range failures {
		fmt.Fprintf(os.Stderr, "deploy failed on %s: %v\n", node, err)
	}
	if len(failures) > 0 {
		return fmt.Errorf("deploy failed on %d node(s)", len(failures))
	}
	fmt.Println("deploy complete")
	return nil
}

// runRun 计算放置并在集群上实现
func runRun(args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configFile := fs.String("config", "", "Orchestrator configuration file")
	topologyFile := fs.String("topology", "configs/topology.yaml", "Cluster topology file")
	instancesFile := fs.String("instances", "configs/instances.yaml", "Instance batch file")
	srcDir := fs.String("src", "", "Local source directory to deploy before starting")
	placement := fs.String("placement", "", "Manual placement overrides (id:node[,id:node...])")
	monitorFor := fs.Duration("monitor", 0, "How long to keep polling instances after start")
	_ = fs.Parse(args)

	config, topo, err := setup(*configFile, *topologyFile)
	if err != nil {
		return err
	}
	defer common.Sync()

	batch, err := workload.LoadBatch(*instancesFile)
	if err != nil {
		return err
	}
	overrides, err := workload.ParseOverrides(*placement)
	if err != nil {
		return err
	}

	logger := common.ComponentLogger("main")
	driver := remote.NewDriver(config.Remote)
	defer driver.Close()

	orch := orchestrator.New(config, topo, batch, driver, remote.NewSSHProber(config.Remote))

	var httpServer *orchestrator.HTTPServer
	if config.Orchestrator.HTTPEnabled {
		httpServer = orchestrator.NewHTTPServer(orch)
		if err := httpServer.Start(config.Orchestrator.HTTPAddress); err != nil {
			return err
		}
		defer func() {
			if err := httpServer.Stop(); err != nil {
				logger.Error("Error stopping HTTP server", zap.Error(err))
			}
		}()
	}

	// 优雅关闭处理：中断时停止所有实例再退出
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Info("Received shutdown signal, stopping instances")
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer stopCancel()
		orch.StopAll(stopCtx)
		cancel()
	}()

	report, err := orch.Run(ctx, orchestrator.RunOptions{
		LocalDir:   *srcDir,
		Overrides:  overrides,
		MonitorFor: *monitorFor,
	})
	if err != nil {
		return err
	}

	return printJSON(os.Stdout, report)
}

// runStatus 查询运行中编排器的状态端点
func runStatus(args []string) error {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	url := fs.String("url", "http://localhost:8780", "Orchestrator status endpoint")
	_ = fs.Parse(args)

	resp, err := http.Get(*url + "/api/v1/report")
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("status endpoint returned %d: %s", resp.StatusCode, body)
	}

	var report orchestrator.Report
	if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
		return err
	}
	return printJSON(os.Stdout, &report)
}

// printJSON 缩进输出 JSON
func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
