package probe

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
	"github.com/sirupsen/logrus"

	"github.com/Wikid82/sigforge/internal/logger"
)

// ReloadSignal asks suricata to reload its rules without restarting.
const ReloadSignal = "SIGUSR2"

// dockerAPI is the part of the docker client the backend needs.
type dockerAPI interface {
	ContainerList(ctx context.Context, options container.ListOptions) ([]container.Summary, error)
	CopyToContainer(ctx context.Context, containerID, dstPath string, content io.Reader, options container.CopyToContainerOptions) error
	ContainerKill(ctx context.Context, containerID, signal string) error
}

// Docker deploys to every running container carrying Label.
type Docker struct {
	Label    string
	RulesDir string
	api      dockerAPI
}

// NewDocker connects using the DOCKER_HOST environment.
func NewDocker(label, rulesDir string) (*Docker, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	return &Docker{Label: label, RulesDir: rulesDir, api: cli}, nil
}

func (d *Docker) Name() string { return "docker" }

func (d *Docker) containers(ctx context.Context) ([]container.Summary, error) {
	return d.api.ContainerList(ctx, container.ListOptions{
		Filters: filters.NewArgs(filters.Arg("label", d.Label), filters.Arg("status", "running")),
	})
}

func (d *Docker) Hostnames(ctx context.Context) ([]string, error) {
	list, err := d.containers(ctx)
	if err != nil {
		return nil, fmt.Errorf("list probes: %w", err)
	}
	names := make([]string, 0, len(list))
	for _, c := range list {
		names = append(names, containerName(c))
	}
	return names, nil
}

// Deploy copies the documents into RulesDir of each probe and signals a reload.
// A probe that fails is reported and does not stop the others.
func (d *Docker) Deploy(ctx context.Context, name string, rules, thresholds []byte) (*Deployment, error) {
	list, err := d.containers(ctx)
	if err != nil {
		return nil, fmt.Errorf("list probes: %w", err)
	}

	archive, err := rulesArchive(name, rules, thresholds)
	if err != nil {
		return nil, err
	}

	out := &Deployment{Backend: d.Name(), Probes: []string{}}
	for _, c := range list {
		probe := containerName(c)
		log := logger.Log().WithFields(logrus.Fields{"probe": probe, "ruleset": name})

		if err := d.api.CopyToContainer(ctx, c.ID, d.RulesDir, bytes.NewReader(archive), container.CopyToContainerOptions{}); err != nil {
			log.WithError(err).Warn("Failed to copy rules to probe")
			out.Failed = append(out.Failed, probe)
			continue
		}
		if err := d.api.ContainerKill(ctx, c.ID, ReloadSignal); err != nil {
			log.WithError(err).Warn("Failed to signal rule reload")
			out.Failed = append(out.Failed, probe)
			continue
		}
		log.Info("Rules deployed")
		out.Probes = append(out.Probes, probe)
	}
	return out, nil
}

func containerName(c container.Summary) string {
	if len(c.Names) > 0 {
		return strings.TrimPrefix(c.Names[0], "/")
	}
	if len(c.ID) > 12 {
		return c.ID[:12]
	}
	return c.ID
}

func rulesArchive(name string, rules, thresholds []byte) ([]byte, error) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	now := time.Now()
	for file, data := range map[string][]byte{
		name + ".rules":   rules,
		"threshold.config": thresholds,
	} {
		hdr := &tar.Header{Name: file, Mode: 0o644, Size: int64(len(data)), ModTime: now, Typeflag: tar.TypeReg}
		if err := tw.WriteHeader(hdr); err != nil {
			return nil, fmt.Errorf("write %s: %w", file, err)
		}
		if _, err := tw.Write(data); err != nil {
			return nil, fmt.Errorf("write %s: %w", file, err)
		}
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
