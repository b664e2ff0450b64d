package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/cruvzadmin/cruvz-srt-safe-apply/pkg/backup"
	"github.com/cruvzadmin/cruvz-srt-safe-apply/pkg/cluster"
	"github.com/cruvzadmin/cruvz-srt-safe-apply/pkg/datastore"
	"github.com/cruvzadmin/cruvz-srt-safe-apply/pkg/health"
	"github.com/cruvzadmin/cruvz-srt-safe-apply/pkg/lifecycle"
	"github.com/cruvzadmin/cruvz-srt-safe-apply/pkg/offsite"
	"github.com/cruvzadmin/cruvz-srt-safe-apply/pkg/orchestrator"
	"github.com/cruvzadmin/cruvz-srt-safe-apply/pkg/restore"
	"github.com/cruvzadmin/cruvz-srt-safe-apply/pkg/types"

	flag "github.com/spf13/pflag"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"sigs.k8s.io/yaml"
)

// Exit codes. Anything that stopped before a destructive step is safe to
// retry and exits 2; degraded runs need manual follow-up and exit 1.
const (
	exitOK       = 0
	exitDegraded = 1
	exitRejected = 2
	exitInvalid  = 3
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		namespace   string
		backupOn    bool
		stateDir    string
		backupDir   string
		offsiteFile string
		offsiteKeep int
		storeConfig string
		kubeconfig  string
		verbose     bool
		jsonOut     bool
		readyWait   time.Duration
		drainWait   time.Duration
	)

	flag.StringVarP(&namespace, "namespace", "n", "", "Override the manifest's namespace")
	flag.BoolVar(&backupOn, "backup", true, "Back up the dataset before any destructive step")
	flag.StringVar(&stateDir, "state-dir", "/var/lib/safe-apply/records", "Directory for operation records")
	flag.StringVar(&backupDir, "backup-dir", "/var/lib/safe-apply/backups", "Directory for backup artifacts")
	flag.StringVar(&offsiteFile, "offsite-credentials", "", "JSON credentials file for offsite artifact copies (optional)")
	flag.IntVar(&offsiteKeep, "offsite-keep", 0, "Keep only the N newest offsite copies per workload after upload (0 keeps all)")
	flag.StringVar(&storeConfig, "store-config", "", "JSON file with data-store command templates (optional)")
	flag.StringVar(&kubeconfig, "kubeconfig", "", "Path to kubeconfig (default: in-cluster or ~/.kube/config)")
	flag.BoolVarP(&verbose, "verbose", "v", false, "Verbose output")
	flag.BoolVar(&jsonOut, "json", false, "Print the operation record as JSON")
	flag.DurationVar(&readyWait, "ready-timeout", 5*time.Minute, "How long to wait for readiness")
	flag.DurationVar(&drainWait, "termination-timeout", 5*time.Minute, "How long to wait for pods to drain")
	flag.Parse()

	args := flag.Args()
	if len(args) < 2 {
		fmt.Fprintln(os.Stderr, "Usage: safe-apply (safe-apply|diff-check|force-recreate|fetch-backup) <manifest> [dest] [flags]")
		flag.Usage()
		return exitInvalid
	}
	subcommand, manifestPath := args[0], args[1]

	desired, err := loadManifest(manifestPath, namespace)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitInvalid
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if subcommand == "fetch-backup" {
		dest := "."
		if len(args) > 2 {
			dest = args[2]
		}
		return runFetchBackup(ctx, offsiteFile, desired.Identity, dest, verbose)
	}

	client, err := buildClient(kubeconfig)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to create Kubernetes client: %v\n", err)
		return exitInvalid
	}

	orch, err := buildOrchestrator(client, stateDir, backupDir, offsiteFile, offsiteKeep, storeConfig, readyWait, drainWait, verbose)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitInvalid
	}

	switch subcommand {
	case "diff-check":
		return runDiffCheck(ctx, orch, desired, jsonOut)
	case "safe-apply":
		return runSafeApply(ctx, orch, desired, orchestrator.Options{BackupEnabled: backupOn}, jsonOut)
	case "force-recreate":
		return runSafeApply(ctx, orch, desired, orchestrator.Options{BackupEnabled: backupOn, ForceRecreate: true}, jsonOut)
	default:
		fmt.Fprintf(os.Stderr, "Error: unknown subcommand %q\n", subcommand)
		return exitInvalid
	}
}

// runFetchBackup downloads the newest offsite artifact copy for the
// workload, for manual follow-up after a degraded run.
func runFetchBackup(ctx context.Context, offsiteFile string, id types.Identity, destDir string, verbose bool) int {
	if offsiteFile == "" {
		fmt.Fprintln(os.Stderr, "Error: fetch-backup requires --offsite-credentials")
		return exitInvalid
	}

	client, err := buildOffsite(offsiteFile, verbose)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitInvalid
	}

	objects, err := client.ListByIdentity(ctx, id)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitRejected
	}
	if len(objects) == 0 {
		fmt.Fprintf(os.Stderr, "Error: no offsite copies found for %s\n", id)
		return exitRejected
	}

	newest := objects[0]
	destPath := filepath.Join(destDir, filepath.Base(newest.Key))
	if err := client.Download(ctx, newest.Key, destPath); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitRejected
	}

	fmt.Printf("Fetched %s (%d bytes) -> %s\n", newest.Key, newest.Size, destPath)
	return exitOK
}

func runDiffCheck(ctx context.Context, orch *orchestrator.Orchestrator, desired types.WorkloadSpec, jsonOut bool) int {
	diff, err := orch.DiffCheck(ctx, desired)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitRejected
	}

	if jsonOut {
		printJSON(diff)
		return exitOK
	}

	switch {
	case diff.Create:
		fmt.Printf("%s does not exist; safe-apply would create it.\n", desired.Identity)
	case diff.IsEmpty():
		fmt.Printf("%s: no protected fields changed; in-place apply is legal.\n", desired.Identity)
	default:
		fmt.Printf("%s: %d protected field(s) changed; safe-apply would recreate:\n", desired.Identity, len(diff.Changes))
		for _, ch := range diff.Changes {
			fmt.Printf("  - %s: %q -> %q\n", ch.Path, ch.Live, ch.Desired)
		}
	}
	return exitOK
}

func runSafeApply(ctx context.Context, orch *orchestrator.Orchestrator, desired types.WorkloadSpec, opts orchestrator.Options, jsonOut bool) int {
	rec := orch.SafeApply(ctx, desired, opts)

	if jsonOut {
		printJSON(rec)
	} else {
		printRecord(rec)
	}

	switch rec.Outcome {
	case types.OutcomeSucceeded:
		return exitOK
	case types.OutcomeDegraded:
		return exitDegraded
	default:
		return exitRejected
	}
}

func printRecord(rec *types.OperationRecord) {
	fmt.Printf("Workload:  %s\n", rec.Identity)
	fmt.Printf("Path:      %s\n", rec.Path)
	fmt.Println("Phases:")
	for _, ev := range rec.Phases {
		fmt.Printf("  %s  %s\n", ev.At.Format("15:04:05"), ev.Phase)
	}
	for _, note := range rec.Notes {
		fmt.Printf("Note:      %s\n", note)
	}
	if rec.Err != "" {
		fmt.Printf("Error:     %s\n", rec.Err)
	}
	fmt.Printf("Outcome:   %s (%s)\n", rec.Outcome, rec.FinishedAt.Sub(rec.StartedAt).Round(time.Second))
}

func printJSON(v interface{}) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: encoding output: %v\n", err)
		return
	}
	fmt.Println(string(data))
}

// loadManifest reads a WorkloadSpec from YAML (or JSON) and applies the
// namespace override.
func loadManifest(path, namespaceOverride string) (types.WorkloadSpec, error) {
	var spec types.WorkloadSpec

	data, err := os.ReadFile(path)
	if err != nil {
		return spec, fmt.Errorf("reading manifest: %w", err)
	}
	if err := yaml.UnmarshalStrict(data, &spec); err != nil {
		return spec, fmt.Errorf("parsing manifest %s: %w", path, err)
	}

	if namespaceOverride != "" {
		spec.Identity.Namespace = namespaceOverride
	}
	return spec, validateSpec(spec)
}

func validateSpec(spec types.WorkloadSpec) error {
	var missing []string
	if spec.Identity.Name == "" {
		missing = append(missing, "identity.name")
	}
	if spec.Identity.Namespace == "" {
		missing = append(missing, "identity.namespace")
	}
	if spec.Image == "" {
		missing = append(missing, "image")
	}
	if spec.ServiceName == "" {
		missing = append(missing, "serviceName")
	}
	if len(spec.Selector) == 0 {
		missing = append(missing, "selector")
	}
	if len(missing) > 0 {
		return errors.New("manifest is missing required fields: " + strings.Join(missing, ", "))
	}
	return nil
}

func buildOffsite(offsiteFile string, verbose bool) (*offsite.Client, error) {
	creds, err := offsite.LoadCredentials(offsiteFile)
	if err != nil {
		return nil, err
	}
	return offsite.New(creds, verbose)
}

func buildOrchestrator(client kubernetes.Interface, stateDir, backupDir, offsiteFile string, offsiteKeep int, storeConfig string, readyWait, drainWait time.Duration, verbose bool) (*orchestrator.Orchestrator, error) {
	cl := cluster.New(client, verbose)

	cmdCfg := datastore.DefaultCommandConfig()
	if storeConfig != "" {
		data, err := os.ReadFile(storeConfig)
		if err != nil {
			return nil, fmt.Errorf("reading store config: %w", err)
		}
		if err := json.Unmarshal(data, &cmdCfg); err != nil {
			return nil, fmt.Errorf("parsing store config: %w", err)
		}
	}
	store := datastore.NewExecStore(cmdCfg, verbose)

	resolver := backup.NewPVResolver(client, verbose)
	bm := backup.New(store, resolver, backupDir, verbose)
	rm := restore.New(store, resolver, verbose)
	lc := lifecycle.New(cl, verbose)
	hv := health.New(cl, verbose)
	records := orchestrator.NewRecordStore(stateDir)

	timeouts := orchestrator.DefaultTimeouts()
	timeouts.Ready = readyWait
	timeouts.Termination = drainWait

	orch := orchestrator.New(cl, lc, bm, rm, hv, records, verbose).WithTimeouts(timeouts)

	if offsiteFile != "" {
		uploader, err := buildOffsite(offsiteFile, verbose)
		if err != nil {
			return nil, err
		}
		orch = orch.WithUploader(uploader, offsiteKeep)
	}

	return orch, nil
}

func buildClient(kubeconfig string) (kubernetes.Interface, error) {
	var config *rest.Config
	var err error

	if kubeconfig != "" {
		config, err = clientcmd.BuildConfigFromFlags("", kubeconfig)
	} else {
		// Try in-cluster first
		config, err = rest.InClusterConfig()
		if err != nil {
			// Fall back to default kubeconfig
			loadingRules := clientcmd.NewDefaultClientConfigLoadingRules()
			configOverrides := &clientcmd.ConfigOverrides{}
			config, err = clientcmd.NewNonInteractiveDeferredLoadingClientConfig(loadingRules, configOverrides).ClientConfig()
		}
	}
	if err != nil {
		return nil, err
	}

	return kubernetes.NewForConfig(config)
}
