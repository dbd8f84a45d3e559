// Package cloudfront purges cached objects from an Amazon CloudFront
// distribution.
package cloudfront

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awscf "github.com/aws/aws-sdk-go-v2/service/cloudfront"
	"github.com/aws/aws-sdk-go-v2/service/cloudfront/types"

	"github.com/JakeFAU/trailnotes/internal/trail"
)

// API is the subset of the CloudFront client the invalidator calls.
type API interface {
	CreateInvalidation(ctx context.Context, params *awscf.CreateInvalidationInput, optFns ...func(*awscf.Options)) (*awscf.CreateInvalidationOutput, error)
}

// Invalidator issues invalidation batches against one distribution.
type Invalidator struct {
	api            API
	distributionID string
	ids            trail.IDGenerator
}

// New constructs an Invalidator. ids supplies caller references.
func New(api API, distributionID string, ids trail.IDGenerator) (*Invalidator, error) {
	if api == nil {
		return nil, fmt.Errorf("cloudfront client is required")
	}
	if distributionID == "" {
		return nil, trail.ConfigErr("cloudfront invalidator", fmt.Errorf("distribution id is required"))
	}
	if ids == nil {
		return nil, fmt.Errorf("id generator is required")
	}
	return &Invalidator{api: api, distributionID: distributionID, ids: ids}, nil
}

// Invalidate submits one batch and returns the invalidation ID.
func (i *Invalidator) Invalidate(ctx context.Context, paths []string) (string, error) {
	if len(paths) == 0 {
		return "", nil
	}
	ref, err := i.ids.NewID()
	if err != nil {
		return "", fmt.Errorf("caller reference: %w", err)
	}
	out, err := i.api.CreateInvalidation(ctx, &awscf.CreateInvalidationInput{
		DistributionId: aws.String(i.distributionID),
		InvalidationBatch: &types.InvalidationBatch{
			CallerReference: aws.String(ref),
			Paths: &types.Paths{
				Quantity: aws.Int32(int32(len(paths))), //nolint:gosec // batches are a handful of paths
				Items:    paths,
			},
		},
	})
	if err != nil {
		return "", trail.Transient("create invalidation", err)
	}
	if out.Invalidation == nil {
		return "", nil
	}
	return aws.ToString(out.Invalidation.Id), nil
}
