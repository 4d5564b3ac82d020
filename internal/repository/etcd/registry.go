package etcd

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/limiquantix/replan/internal/placement"
	"github.com/limiquantix/replan/internal/snapshot"
)

// Registry is the cluster description kept in etcd by the hypervisor agents:
//
//	<prefix>/cluster/nodes/<id>         snapshot.NodeSpec
//	<prefix>/cluster/vms/<id>           snapshot.VMSpec
//	<prefix>/cluster/constraints/<name> placement.Descriptor
//	<prefix>/cluster/targets            snapshot.Targets
type Registry struct {
	client *Client
	logger *zap.Logger
}

// NewRegistry creates a registry on c.
func NewRegistry(c *Client) *Registry {
	return &Registry{client: c, logger: c.logger.With(zap.String("store", "registry"))}
}

// RegisterNode stores or replaces a node.
func (r *Registry) RegisterNode(ctx context.Context, n snapshot.NodeSpec) error {
	return r.client.Put(ctx, r.client.key("cluster", "nodes", n.ID), n)
}

// DeregisterNode removes a node.
func (r *Registry) DeregisterNode(ctx context.Context, id string) error {
	_, err := r.client.Delete(ctx, r.client.key("cluster", "nodes", id))
	return err
}

// RegisterVM stores or replaces a VM.
func (r *Registry) RegisterVM(ctx context.Context, vm snapshot.VMSpec) error {
	return r.client.Put(ctx, r.client.key("cluster", "vms", vm.ID), vm)
}

// DeregisterVM removes a VM.
func (r *Registry) DeregisterVM(ctx context.Context, id string) error {
	_, err := r.client.Delete(ctx, r.client.key("cluster", "vms", id))
	return err
}

// PutConstraint stores a placement constraint under name.
func (r *Registry) PutConstraint(ctx context.Context, name string, d placement.Descriptor) error {
	return r.client.Put(ctx, r.client.key("cluster", "constraints", name), d)
}

// DeleteConstraint removes a placement constraint.
func (r *Registry) DeleteConstraint(ctx context.Context, name string) error {
	_, err := r.client.Delete(ctx, r.client.key("cluster", "constraints", name))
	return err
}

// SetTargets stores the requested state changes.
func (r *Registry) SetTargets(ctx context.Context, t snapshot.Targets) error {
	return r.client.Put(ctx, r.client.key("cluster", "targets"), t)
}

// Publish replaces the cluster description with snap. Constraints are stored
// under their position so the previous ones beyond len(snap.Constraints) are removed.
func (r *Registry) Publish(ctx context.Context, snap *snapshot.Snapshot) error {
	current, err := r.Snapshot(ctx)
	if err != nil {
		return err
	}

	nodes := make(map[string]bool, len(snap.Nodes))
	for _, n := range snap.Nodes {
		nodes[n.ID] = true
		if err := r.RegisterNode(ctx, n); err != nil {
			return fmt.Errorf("failed to register node %s: %w", n.ID, err)
		}
	}
	vms := make(map[string]bool, len(snap.VMs))
	for _, vm := range snap.VMs {
		vms[vm.ID] = true
		if err := r.RegisterVM(ctx, vm); err != nil {
			return fmt.Errorf("failed to register VM %s: %w", vm.ID, err)
		}
	}
	for i, d := range snap.Constraints {
		if err := r.PutConstraint(ctx, constraintName(i), d); err != nil {
			return fmt.Errorf("failed to store constraint %s: %w", d.Name, err)
		}
	}
	if err := r.SetTargets(ctx, snap.Targets); err != nil {
		return fmt.Errorf("failed to store targets: %w", err)
	}

	for _, n := range current.Nodes {
		if !nodes[n.ID] {
			if err := r.DeregisterNode(ctx, n.ID); err != nil {
				return err
			}
		}
	}
	for _, vm := range current.VMs {
		if !vms[vm.ID] {
			if err := r.DeregisterVM(ctx, vm.ID); err != nil {
				return err
			}
		}
	}
	for i := len(snap.Constraints); i < len(current.Constraints); i++ {
		if err := r.DeleteConstraint(ctx, constraintName(i)); err != nil {
			return err
		}
	}

	r.logger.Info("Cluster published",
		zap.Int("nodes", len(snap.Nodes)),
		zap.Int("vms", len(snap.VMs)),
		zap.Int("constraints", len(snap.Constraints)),
	)
	return nil
}

// constraintName keeps the key order of the constraints equal to their position.
func constraintName(i int) string {
	return fmt.Sprintf("%04d", i)
}

// Watch reports every change of the cluster description until ctx is done.
func (r *Registry) Watch(ctx context.Context) <-chan WatchEvent {
	return r.client.Watch(ctx, r.client.key("cluster")+"/", true)
}

// Snapshot reads the whole cluster description in a single revision.
func (r *Registry) Snapshot(ctx context.Context) (*snapshot.Snapshot, error) {
	root := r.client.key("cluster")
	resp, err := r.client.client.Get(ctx, root+"/", clientv3.WithPrefix(), clientv3.WithSort(clientv3.SortByKey, clientv3.SortAscend))
	if err != nil {
		return nil, fmt.Errorf("failed to read cluster: %w", err)
	}
	entries := make(map[string][]byte, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		entries[string(kv.Key)] = kv.Value
	}
	snap, err := assemble(root, entries)
	if err != nil {
		return nil, err
	}
	r.logger.Debug("Cluster read",
		zap.Int64("revision", resp.Header.Revision),
		zap.Int("nodes", len(snap.Nodes)),
		zap.Int("vms", len(snap.VMs)),
		zap.Int("constraints", len(snap.Constraints)),
	)
	return snap, nil
}

// assemble builds a snapshot from the registry entries under root, in key order.
func assemble(root string, entries map[string][]byte) (*snapshot.Snapshot, error) {
	snap := &snapshot.Snapshot{}
	keys := make([]string, 0, len(entries))
	for key := range entries {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	var errs error
	for _, key := range keys {
		value := entries[key]
		var err error
		switch {
		case key == root+"/targets":
			err = json.Unmarshal(value, &snap.Targets)
		case strings.HasPrefix(key, root+"/nodes/"):
			var n snapshot.NodeSpec
			if err = json.Unmarshal(value, &n); err == nil {
				snap.Nodes = append(snap.Nodes, n)
			}
		case strings.HasPrefix(key, root+"/vms/"):
			var vm snapshot.VMSpec
			if err = json.Unmarshal(value, &vm); err == nil {
				snap.VMs = append(snap.VMs, vm)
			}
		case strings.HasPrefix(key, root+"/constraints/"):
			var d placement.Descriptor
			if err = json.Unmarshal(value, &d); err == nil {
				snap.Constraints = append(snap.Constraints, d)
			}
		}
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", key, err))
		}
	}
	if errs != nil {
		return nil, fmt.Errorf("malformed cluster entries: %w", errs)
	}
	return snap, nil
}
