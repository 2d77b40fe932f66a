package store

import (
	"context"
	"strconv"

	"github.com/samber/lo"

	"github.com/sciencegateway/jobgate/pkg/entity"
	"github.com/sciencegateway/jobgate/pkg/errors"
)

// Catalog is the layout of the catalog YAML file.
type Catalog struct {
	ComputeResources []entity.ComputeResource `yaml:"computeResources"`
}

func (f FileStore) LoadCatalog() (Catalog, error) {
	if f.catalogPath == "" {
		return Catalog{}, errors.New("no catalog file configured")
	}
	var c Catalog
	if err := f.readYAML(f.catalogPath, &c); err != nil {
		return Catalog{}, err
	}
	for i, r := range c.ComputeResources {
		if r.ID == "" {
			return Catalog{}, errors.NewValidationError("catalog entry " + strconv.Itoa(i) + " has no id")
		}
	}
	return c, nil
}

// SaveComputeResource adds r to the catalog file, replacing any entry with
// the same ID.
func (f FileStore) SaveComputeResource(r entity.ComputeResource) error {
	c, err := f.LoadCatalog()
	if err != nil {
		exists, existsErr := f.FileExists(f.catalogPath)
		if existsErr != nil || exists {
			return err
		}
	}
	c.ComputeResources = append(lo.Reject(c.ComputeResources, func(existing entity.ComputeResource, _ int) bool {
		return existing.ID == r.ID
	}), r)
	return f.writeYAML(f.catalogPath, c)
}

func (f FileStore) ListComputeResources(_ context.Context) ([]entity.ComputeResource, error) {
	c, err := f.LoadCatalog()
	if err != nil {
		return nil, err
	}
	return c.ComputeResources, nil
}

func (f FileStore) GetComputeResource(_ context.Context, computeResourceID string) (entity.ComputeResource, error) {
	c, err := f.LoadCatalog()
	if err != nil {
		return entity.ComputeResource{}, err
	}
	r, ok := lo.Find(c.ComputeResources, func(r entity.ComputeResource) bool {
		return r.ID == computeResourceID
	})
	if !ok {
		return entity.ComputeResource{}, notFound("compute resource", computeResourceID)
	}
	return r, nil
}

func (f FileStore) GetJobSubmissionInterface(ctx context.Context, computeResourceID string, protocol entity.Protocol) (entity.JobSubmissionInterface, error) {
	r, err := f.GetComputeResource(ctx, computeResourceID)
	if err != nil {
		return entity.JobSubmissionInterface{}, err
	}
	iface, ok := r.Interface(protocol)
	if !ok {
		return entity.JobSubmissionInterface{}, notFound(string(protocol)+" job submission interface for", computeResourceID)
	}
	return iface, nil
}
