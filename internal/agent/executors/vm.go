// Package executors implements the Agent's command executors: libvirt VM
// lifecycle, Docker container lifecycle, and shell-based terminal_exec /
// update_agent, per spec.md §4.9. Grounded in
// original_source/agent/vm_libvirt.py and container_docker.py, translated
// from shell-out Python helpers into Go exec.Command invocations.
package executors

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/illyvia/lattice/internal/agent/capability"
	"github.com/illyvia/lattice/internal/agent/runner"
)

// VMCapabilitySpec describes the libvirt toolchain capability.Detector checks for.
var VMCapabilitySpec = capability.Spec{
	Name:          "vm",
	RequiredTools: []string{"virsh", "virt-install", "qemu-img", "cloud-localds"},
	InstallPackages: map[string][]string{
		"apt-get": {"qemu-kvm", "libvirt-daemon-system", "libvirt-clients", "virtinst", "cloud-image-utils", "qemu-utils"},
		"dnf":     {"qemu-kvm", "libvirt", "virt-install", "cloud-utils", "qemu-img"},
		"yum":     {"qemu-kvm", "libvirt", "virt-install", "cloud-utils", "qemu-img"},
		"pacman":  {"qemu-full", "libvirt", "virt-install", "cloud-image-utils"},
		"zypper":  {"qemu-kvm", "libvirt", "virt-install", "cloud-utils"},
	},
}

// VM is the libvirt command executor. It enforces the "at most one VM
// command running at a time" concurrency guard from spec.md §4.9 via a
// non-blocking mutex.
type VM struct {
	mu         sync.Mutex
	cap        *capability.Detector
	vmRoot     string
	imageRoot  string
}

// NewVM constructs a VM executor rooted at the given libvirt working
// directories (VM disk/seed files and downloaded cloud images).
func NewVM(vmRoot, imageRoot string) *VM {
	return &VM{cap: capability.New(VMCapabilitySpec), vmRoot: vmRoot, imageRoot: imageRoot}
}

// Capability returns the cached libvirt toolchain status, for the
// HeartbeatSender to fold into its capability summary.
func (v *VM) Capability() capability.Status {
	return v.cap.Get(0)
}

// Result is the uniform (status, message, details) shape every executor returns.
type Result struct {
	Status  string
	Message string
	Details map[string]any
}

func busy() Result {
	return Result{Status: "failed", Message: "busy: another command of this kind is already running on this agent"}
}

func capabilityNotReady(status capability.Status, install capability.AutoInstallResult) Result {
	return Result{
		Status:  "failed",
		Message: status.Message,
		Details: map[string]any{"capability": status, "auto_install": install},
	}
}

// Execute dispatches a vm_* command by opType: create, start, stop, reboot, delete, sync.
func (v *VM) Execute(ctx context.Context, opType string, spec map[string]any) Result {
	if !v.mu.TryLock() {
		return busy()
	}
	defer v.mu.Unlock()

	status := v.cap.Get(0)
	if !status.Ready {
		install := v.cap.AutoInstall(ctx, false)
		status = v.cap.Get(0)
		if !status.Ready {
			return capabilityNotReady(status, install)
		}
	}

	switch opType {
	case "create":
		return v.create(ctx, spec)
	case "start":
		return v.domainAction(ctx, spec, "start")
	case "stop":
		return v.stop(ctx, spec)
	case "reboot":
		return v.domainAction(ctx, spec, "reboot")
	case "delete":
		return v.delete(ctx, spec)
	case "sync":
		return v.sync(ctx, spec)
	default:
		return Result{Status: "failed", Message: "unknown vm operation: " + opType}
	}
}

func stringField(m map[string]any, key string) string {
	v, _ := m[key].(string)
	return strings.TrimSpace(v)
}

func intField(m map[string]any, key string, def int) int {
	switch v := m[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return def
	}
}

func (v *VM) create(ctx context.Context, spec map[string]any) Result {
	domainName := stringField(spec, "domain_name")
	vmID := stringField(spec, "vm_id")
	image, _ := spec["image"].(map[string]any)
	guest, _ := spec["guest"].(map[string]any)
	if domainName == "" || vmID == "" || image == nil {
		return Result{Status: "failed", Message: "invalid vm_create payload"}
	}

	vcpu := intField(spec, "vcpu", 1)
	memoryMB := intField(spec, "memory_mb", 1024)
	diskGB := intField(spec, "disk_gb", 20)
	bridge := stringField(spec, "bridge")
	if bridge == "" {
		bridge = "br0"
	}

	username := "lattice"
	password := randomPassword()
	if guest != nil {
		if u := stringField(guest, "username"); u != "" {
			username = u
		}
		if p := stringField(guest, "password"); p != "" {
			password = p
		}
	}

	hostArch := normalizeArch(runtime.GOARCH)
	imageArch := normalizeArch(stringField(image, "os_family"))
	if imageArch != "" && hostArch != "" && imageArch != hostArch && imageArch != "any" {
		return Result{
			Status:  "failed",
			Message: fmt.Sprintf("image architecture %q is incompatible with node architecture %q", imageArch, hostArch),
		}
	}

	vmDir := filepath.Join(v.vmRoot, vmID)
	diskPath := filepath.Join(vmDir, "disk.qcow2")

	if res := runner.RunSudo(ctx, 30*time.Second, "mkdir", "-p", vmDir); res.ExitCode != 0 {
		return Result{Status: "failed", Message: "unable to create vm directory: " + res.Summarize()}
	}

	basePath, res := v.downloadImage(ctx, image)
	if res.Status != "" {
		return res
	}

	qi := runner.RunSudo(ctx, 240*time.Second, "qemu-img", "create", "-f", "qcow2", "-F", "qcow2",
		"-b", basePath, diskPath, fmt.Sprintf("%dG", diskGB))
	if qi.ExitCode != 0 {
		return Result{Status: "failed", Message: "disk provisioning failed: " + qi.Summarize()}
	}

	seedPath, seedRes := v.createCloudInitSeed(ctx, vmDir, domainName, username, password)
	if seedRes.Status != "" {
		return seedRes
	}

	args := []string{
		"--name", domainName,
		"--memory", strconv.Itoa(memoryMB),
		"--vcpus", strconv.Itoa(vcpu),
		"--import",
		"--disk", fmt.Sprintf("path=%s,format=qcow2,bus=virtio", diskPath),
		"--disk", fmt.Sprintf("path=%s,device=cdrom", seedPath),
		"--network", "bridge=" + bridge,
		"--serial", "pty",
		"--console", "pty,target.type=serial",
		"--osinfo", "detect=on,require=off",
		"--graphics", "none",
		"--noautoconsole",
	}
	vi := runner.RunSudo(ctx, 300*time.Second, "virt-install", args...)
	if vi.ExitCode != 0 {
		return Result{Status: "failed", Message: "virt-install failed: " + vi.Summarize()}
	}

	return Result{
		Status:  "succeeded",
		Message: "VM created",
		Details: map[string]any{
			"domain_uuid": v.domainUUID(ctx, domainName),
			"power_state": v.domainState(ctx, domainName),
		},
	}
}

func normalizeArch(a string) string {
	switch strings.ToLower(a) {
	case "amd64", "x86_64":
		return "amd64"
	case "arm64", "aarch64":
		return "arm64"
	default:
		return ""
	}
}

func randomPassword() string {
	buf := make([]byte, 12)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func (v *VM) downloadImage(ctx context.Context, image map[string]any) (string, Result) {
	imageID := stringField(image, "id")
	sourceURL := stringField(image, "source_url")
	if imageID == "" || sourceURL == "" {
		return "", Result{Status: "failed", Message: "image id and source_url are required"}
	}
	imagePath := filepath.Join(v.imageRoot, imageID+".qcow2")
	if _, err := os.Stat(imagePath); err == nil {
		return imagePath, Result{}
	}

	if res := runner.RunSudo(ctx, 30*time.Second, "mkdir", "-p", v.imageRoot); res.ExitCode != 0 {
		return "", Result{Status: "failed", Message: "unable to prepare image directory: " + res.Summarize()}
	}

	tmpPath := filepath.Join(os.TempDir(), "lattice-image-"+imageID+".tmp")
	dl := runner.Run(ctx, 600*time.Second, "curl", "-fsSL", "-o", tmpPath, sourceURL)
	if dl.ExitCode != 0 {
		return "", Result{Status: "failed", Message: "image download failed: " + dl.Summarize()}
	}
	defer os.Remove(tmpPath)

	install := runner.RunSudo(ctx, 120*time.Second, "install", "-m", "0644", tmpPath, imagePath)
	if install.ExitCode != 0 {
		return "", Result{Status: "failed", Message: "unable to install image: " + install.Summarize()}
	}
	return imagePath, Result{}
}

func (v *VM) createCloudInitSeed(ctx context.Context, vmDir, domainName, username, password string) (string, Result) {
	userDataPath := filepath.Join(os.TempDir(), domainName+"-user-data.yaml")
	metaDataPath := filepath.Join(os.TempDir(), domainName+"-meta-data.yaml")
	seedPath := filepath.Join(vmDir, "seed.iso")

	userData := fmt.Sprintf(`#cloud-config
hostname: %s
manage_etc_hosts: true
users:
  - name: %s
    shell: /bin/bash
    groups: sudo
    sudo: ALL=(ALL) NOPASSWD:ALL
    lock_passwd: false
    plain_text_passwd: '%s'
ssh_pwauth: true
chpasswd:
  expire: false
runcmd:
  - [ sh, -c, "systemctl enable --now serial-getty@ttyS0.service || true" ]
`, domainName, username, password)
	metaData := fmt.Sprintf("instance-id: %s\nlocal-hostname: %s\n", domainName, domainName)

	if err := os.WriteFile(userDataPath, []byte(userData), 0o600); err != nil {
		return "", Result{Status: "failed", Message: "unable to write cloud-init user-data: " + err.Error()}
	}
	defer os.Remove(userDataPath)
	if err := os.WriteFile(metaDataPath, []byte(metaData), 0o600); err != nil {
		return "", Result{Status: "failed", Message: "unable to write cloud-init meta-data: " + err.Error()}
	}
	defer os.Remove(metaDataPath)

	res := runner.RunSudo(ctx, 120*time.Second, "cloud-localds", seedPath, userDataPath, metaDataPath)
	if res.ExitCode != 0 {
		return "", Result{Status: "failed", Message: "cloud-init seed creation failed: " + res.Summarize()}
	}
	return seedPath, Result{}
}

func (v *VM) domainAction(ctx context.Context, spec map[string]any, action string) Result {
	domainName := stringField(spec, "domain_name")
	if domainName == "" {
		return Result{Status: "failed", Message: "domain_name is required"}
	}
	res := runner.RunSudo(ctx, 60*time.Second, "virsh", action, domainName)
	if res.ExitCode != 0 {
		return Result{Status: "failed", Message: action + " failed: " + res.Summarize()}
	}
	return Result{
		Status:  "succeeded",
		Message: "domain " + action + " issued",
		Details: map[string]any{"power_state": v.domainState(ctx, domainName)},
	}
}

// stop polls domstate every 2s for 24s; if still running, forces `virsh destroy`.
func (v *VM) stop(ctx context.Context, spec map[string]any) Result {
	domainName := stringField(spec, "domain_name")
	if domainName == "" {
		return Result{Status: "failed", Message: "domain_name is required"}
	}
	if res := runner.RunSudo(ctx, 60*time.Second, "virsh", "shutdown", domainName); res.ExitCode != 0 {
		return Result{Status: "failed", Message: "shutdown failed: " + res.Summarize()}
	}

	deadline := time.Now().Add(24 * time.Second)
	for time.Now().Before(deadline) {
		state := v.domainState(ctx, domainName)
		if state == "shut off" || state == "shutoff" {
			return Result{Status: "succeeded", Message: "domain stopped", Details: map[string]any{"power_state": state}}
		}
		time.Sleep(2 * time.Second)
	}

	if res := runner.RunSudo(ctx, 30*time.Second, "virsh", "destroy", domainName); res.ExitCode != 0 {
		return Result{Status: "failed", Message: "domain did not stop gracefully and destroy failed: " + res.Summarize()}
	}
	return Result{Status: "succeeded", Message: "domain forcibly stopped", Details: map[string]any{"power_state": v.domainState(ctx, domainName)}}
}

func (v *VM) delete(ctx context.Context, spec map[string]any) Result {
	domainName := stringField(spec, "domain_name")
	if domainName == "" {
		return Result{Status: "failed", Message: "domain_name is required"}
	}
	// Best-effort: destroy then undefine with storage removal; a domain
	// already gone is treated as success per the Store's delete-is-idempotent rule.
	runner.RunSudo(ctx, 30*time.Second, "virsh", "destroy", domainName)
	res := runner.RunSudo(ctx, 60*time.Second, "virsh", "undefine", domainName, "--remove-all-storage")
	if res.ExitCode != 0 && !strings.Contains(strings.ToLower(res.Stderr), "failed to get domain") {
		return Result{Status: "failed", Message: "undefine failed: " + res.Summarize()}
	}
	return Result{Status: "succeeded", Message: "domain deleted"}
}

func (v *VM) sync(ctx context.Context, spec map[string]any) Result {
	domainName := stringField(spec, "domain_name")
	if domainName == "" {
		return Result{Status: "failed", Message: "domain_name is required"}
	}
	state := v.domainState(ctx, domainName)
	return Result{
		Status:  "succeeded",
		Message: "synced",
		Details: map[string]any{"power_state": state, "domain_uuid": v.domainUUID(ctx, domainName)},
	}
}

func (v *VM) domainState(ctx context.Context, domainName string) string {
	res := runner.RunSudo(ctx, 10*time.Second, "virsh", "domstate", domainName)
	if res.ExitCode != 0 {
		return "unknown"
	}
	return strings.TrimSpace(res.Stdout)
}

func (v *VM) domainUUID(ctx context.Context, domainName string) string {
	res := runner.RunSudo(ctx, 10*time.Second, "virsh", "domuuid", domainName)
	if res.ExitCode != 0 {
		return ""
	}
	return strings.TrimSpace(res.Stdout)
}
