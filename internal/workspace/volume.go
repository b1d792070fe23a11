package workspace

import (
	"context"
	"time"

	"github.com/docker/docker/api/types/volume"
	"github.com/docker/docker/client"
)

// namespaceLabel marks every volume the gateway creates, mirroring the
// namespace label the Runtime Adapter applies to containers (§4.1).
const namespaceLabel = "devbench.workspace"

// VolumeManager owns the lifecycle of the Docker volumes backing each
// container's /workspace mount, independent of the container itself so
// a persistent container's data can outlive a kill/respawn cycle.
type VolumeManager struct {
	docker *client.Client
}

func NewVolumeManager(dockerClient *client.Client) *VolumeManager {
	return &VolumeManager{docker: dockerClient}
}

// Volume is a single workspace volume's metadata.
type Volume struct {
	Name      string
	CreatedAt time.Time
	Labels    map[string]string
}

func (m *VolumeManager) Create(ctx context.Context, name string, labels map[string]string) error {
	if labels == nil {
		labels = make(map[string]string)
	}
	labels[namespaceLabel] = "true"

	_, err := m.docker.VolumeCreate(ctx, volume.CreateOptions{
		Name:   name,
		Driver: "local",
		Labels: labels,
	})
	return err
}

func (m *VolumeManager) Exists(ctx context.Context, name string) (bool, error) {
	_, err := m.docker.VolumeInspect(ctx, name)
	if err != nil {
		if client.IsErrNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (m *VolumeManager) List(ctx context.Context) ([]Volume, error) {
	resp, err := m.docker.VolumeList(ctx, volume.ListOptions{
		Filters: volumeLabelFilter(),
	})
	if err != nil {
		return nil, err
	}
	out := make([]Volume, 0, len(resp.Volumes))
	for _, v := range resp.Volumes {
		vol := Volume{Name: v.Name, Labels: v.Labels}
		if created, err := time.Parse(time.RFC3339, v.CreatedAt); err == nil {
			vol.CreatedAt = created
		}
		out = append(out, vol)
	}
	return out, nil
}

func (m *VolumeManager) Delete(ctx context.Context, name string, force bool) error {
	return m.docker.VolumeRemove(ctx, name, force)
}
