// Copyright 2021 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package gce

import (
	"context"

	"cloud.google.com/go/compute/apiv1/computepb"
	"google.golang.org/protobuf/proto"

	"go.chromium.org/labtest/errors"
	"go.chromium.org/labtest/internal/logging"
)

// GetImage returns an image of project, or of the client's project if
// project is empty.
func (c *Client) GetImage(ctx context.Context, image, project string) (*computepb.Image, error) {
	if project == "" {
		project = c.project
	}
	im, err := c.svc.Images.Get(ctx, &computepb.GetImageRequest{Project: project, Image: image})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get image %s", image)
	}
	return im, nil
}

// CheckImageExists reports whether the client's project has image.
func (c *Client) CheckImageExists(ctx context.Context, image string) (bool, error) {
	_, err := c.GetImage(ctx, image, "")
	if isNotFound(err) {
		logging.Debugf(ctx, "Image %s does not exist", image)
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// ImageSource is where CreateImage takes the image from. Exactly one field
// must be set.
type ImageSource struct {
	// URI is a Cloud Storage URL of a disk image tarball.
	URI string
	// Disk is the self link of a disk.
	Disk string
}

// CreateImage creates an image unless it already exists. An image left by a
// failed creation is deleted.
func (c *Client) CreateImage(ctx context.Context, image string, src ImageSource, labels map[string]string) error {
	exists, err := c.CheckImageExists(ctx, image)
	if err != nil || exists {
		return err
	}
	if (src.URI == "") == (src.Disk == "") {
		return errors.Errorf("creating image %s requires either a source URI or a source disk but not both", image)
	}
	im := &computepb.Image{Name: proto.String(image), Labels: labels}
	if src.URI != "" {
		logging.Infof(ctx, "Creating image %s from %s", image, src.URI)
		im.RawDisk = &computepb.RawDisk{Source: proto.String(src.URI)}
	} else {
		logging.Infof(ctx, "Creating image %s from disk %s", image, src.Disk)
		im.SourceDisk = proto.String(src.Disk)
	}
	op, err := c.svc.Images.Insert(ctx, &computepb.InsertImageRequest{Project: c.project, ImageResource: im})
	if err != nil {
		return errors.Wrapf(err, "failed to create image %s", image)
	}
	if err := c.waitGlobalOperation(ctx, op); err != nil {
		logging.Infof(ctx, "Creating image %s failed, cleaning up", image)
		if exists, cerr := c.CheckImageExists(ctx, image); cerr == nil && exists {
			if derr := c.DeleteImage(ctx, image); derr != nil {
				logging.Warningf(ctx, "Failed to clean up image %s: %v", image, derr)
			}
		}
		return errors.Wrapf(err, "failed to create image %s", image)
	}
	logging.Infof(ctx, "Image %s has been created", image)
	return nil
}

// SetImageLabels adds labels to an image.
func (c *Client) SetImageLabels(ctx context.Context, image string, labels map[string]string) error {
	return retryOnFingerprintConflict(ctx, func() error {
		im, err := c.GetImage(ctx, image, "")
		if err != nil {
			return err
		}
		merged := make(map[string]string)
		for k, v := range im.GetLabels() {
			merged[k] = v
		}
		for k, v := range labels {
			merged[k] = v
		}
		op, err := c.svc.Images.SetLabels(ctx, &computepb.SetLabelsImageRequest{
			Project:  c.project,
			Resource: image,
			GlobalSetLabelsRequestResource: &computepb.GlobalSetLabelsRequest{
				Labels:           merged,
				LabelFingerprint: im.LabelFingerprint,
			},
		})
		if err != nil {
			return errors.Wrapf(err, "failed to set labels of image %s", image)
		}
		return c.waitGlobalOperation(ctx, op)
	})
}

// DeleteImage deletes an image of the client's project.
func (c *Client) DeleteImage(ctx context.Context, image string) error {
	logging.Infof(ctx, "Deleting image %s", image)
	op, err := c.svc.Images.Delete(ctx, &computepb.DeleteImageRequest{Project: c.project, Image: image})
	if err != nil {
		return errors.Wrapf(err, "failed to delete image %s", image)
	}
	if err := c.waitGlobalOperation(ctx, op); err != nil {
		return errors.Wrapf(err, "failed to delete image %s", image)
	}
	logging.Infof(ctx, "Deleted image %s", image)
	return nil
}

// DeleteImages deletes images in parallel.
func (c *Client) DeleteImages(ctx context.Context, images []string) (*BatchResult, error) {
	res, err := c.batch(ctx, images, c.DeleteImage)
	logDone(ctx, "delete images", res, err)
	return res, err
}

// ListImages lists the images of project, or of the client's project if
// project is empty.
func (c *Client) ListImages(ctx context.Context, filter, project string) ([]*computepb.Image, error) {
	if project == "" {
		project = c.project
	}
	req := &computepb.ListImagesRequest{Project: project}
	if filter != "" {
		req.Filter = proto.String(filter)
	}
	ims, err := c.svc.Images.List(ctx, req)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list images")
	}
	return ims, nil
}
