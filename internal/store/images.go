package store

import (
	"encoding/json"
	"fmt"

	bolt "go.etcd.io/bbolt"

	"github.com/illyvia/lattice/internal/model"
)

// defaultImages seeds the catalog of base images new deployments can
// immediately build VMs from, mirroring the cloud images the original
// libvirt executor expects cloud-localds to be able to seed.
var defaultImages = []struct {
	name            string
	osFamily        string
	sourceURL       string
	defaultUsername string
	cloudInit       bool
}{
	{"ubuntu-22.04", model.OSFamilyLinux, "https://cloud-images.ubuntu.com/jammy/current/jammy-server-cloudimg-amd64.img", "ubuntu", true},
	{"ubuntu-24.04", model.OSFamilyLinux, "https://cloud-images.ubuntu.com/noble/current/noble-server-cloudimg-amd64.img", "ubuntu", true},
	{"debian-12", model.OSFamilyLinux, "https://cloud.debian.org/images/cloud/bookworm/latest/debian-12-generic-amd64.qcow2", "debian", true},
}

func (s *Store) seedDefaultImages() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketVMImages)
		if b.Stats().KeyN > 0 {
			return nil
		}
		for _, img := range defaultImages {
			image := &model.VMImage{
				ID:               newID(),
				Name:             img.name,
				OSFamily:         img.osFamily,
				SourceURL:        img.sourceURL,
				DefaultUsername:  img.defaultUsername,
				CloudInitEnabled: img.cloudInit,
				CreatedAt:        s.now(),
			}
			if err := putImage(tx, image); err != nil {
				return err
			}
		}
		return nil
	})
}

func putImage(tx *bolt.Tx, img *model.VMImage) error {
	data, err := json.Marshal(img)
	if err != nil {
		return fmt.Errorf("marshal vm image: %w", err)
	}
	if err := tx.Bucket(bucketVMImages).Put([]byte(img.ID), data); err != nil {
		return err
	}
	return tx.Bucket(bucketVMImagesByName).Put([]byte(img.Name), []byte(img.ID))
}

func getImage(tx *bolt.Tx, id string) (*model.VMImage, error) {
	data := tx.Bucket(bucketVMImages).Get([]byte(id))
	if data == nil {
		return nil, nil
	}
	var img model.VMImage
	if err := json.Unmarshal(data, &img); err != nil {
		return nil, fmt.Errorf("unmarshal vm image: %w", err)
	}
	return &img, nil
}

// GetImage fetches a single VM image by id.
func (s *Store) GetImage(id string) (*model.VMImage, Outcome, error) {
	var img *model.VMImage
	err := s.db.View(func(tx *bolt.Tx) error {
		i, err := getImage(tx, id)
		img = i
		return err
	})
	if err != nil {
		return nil, "", err
	}
	if img == nil {
		return nil, ImageNotFound, nil
	}
	return img, OK, nil
}

// ListImages returns every registered VM image.
func (s *Store) ListImages() ([]*model.VMImage, error) {
	var images []*model.VMImage
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketVMImages).ForEach(func(_, v []byte) error {
			var img model.VMImage
			if err := json.Unmarshal(v, &img); err != nil {
				return err
			}
			images = append(images, &img)
			return nil
		})
	})
	return images, err
}

// CreateImage registers a new VM image, enforcing name uniqueness.
func (s *Store) CreateImage(img *model.VMImage) (*model.VMImage, Outcome, error) {
	err := s.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketVMImagesByName).Get([]byte(img.Name)) != nil {
			return errOutcome(DuplicateName)
		}
		img.ID = newID()
		img.CreatedAt = s.now()
		return putImage(tx, img)
	})
	if outcome, ok := asOutcome(err); ok {
		return nil, outcome, nil
	}
	if err != nil {
		return nil, "", err
	}
	return img, OK, nil
}
