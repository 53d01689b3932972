package ilm

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/NVIDIA/prism/internal/cmn"
	"github.com/NVIDIA/prism/storage"
)

// TierMigrator moves a collection's segment objects between the local tier
// and the remote object store when a phase transition changes the target
// tier. Both sides are plain SegmentStorage, so the remote end may just as
// well be a cached composite.
type TierMigrator struct {
	local  storage.SegmentStorage
	remote storage.SegmentStorage
}

func NewTierMigrator(local, remote storage.SegmentStorage) *TierMigrator {
	return &TierMigrator{local: local, remote: remote}
}

func (t *TierMigrator) endpoints(to StorageTier) (src, dst storage.SegmentStorage, err error) {
	switch to {
	case TierS3:
		return t.local, t.remote, nil
	case TierLocal:
		return t.remote, t.local, nil
	default:
		return nil, nil, cmn.NewConfigError(fmt.Sprintf("ilm: unknown storage tier %q", to), nil)
	}
}

// Migrate copies every object under the collection's prefix to the target
// tier, deleting the source copy once the destination write succeeds. A
// partially migrated collection is safe to re-run: already-moved objects no
// longer appear in the source listing.
func (t *TierMigrator) Migrate(ctx context.Context, collection string, to StorageTier) error {
	src, dst, err := t.endpoints(to)
	if err != nil {
		return err
	}
	prefix := storage.StoragePath{Collection: collection}
	objs, err := src.List(ctx, prefix)
	if err != nil {
		return cmn.NewStorageError(fmt.Sprintf("ilm: list %s for tier migration", collection), err)
	}
	for _, obj := range objs {
		p := storage.ParsePath(obj.Path)
		data, err := src.Read(ctx, p)
		if err != nil {
			return cmn.NewStorageError("ilm: read "+obj.Path, err)
		}
		if err := dst.Write(ctx, p, data); err != nil {
			return cmn.NewStorageError(fmt.Sprintf("ilm: write %s to %s tier", obj.Path, to), err)
		}
		if err := src.Delete(ctx, p); err != nil {
			log.Warn().Err(err).Str("path", obj.Path).Msg("ilm: source cleanup after migration failed")
		}
	}
	return nil
}
