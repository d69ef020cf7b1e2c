package vectorutils

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/corridorhq/mnemo/pkg/vector"
	"github.com/corridorhq/mnemo/pkg/vector/inmemory"
	"github.com/corridorhq/mnemo/pkg/vector/qdrantdrv"
	"github.com/corridorhq/mnemo/pkg/vector/sqlitevec"
)

type NewVectorDriverOpts struct {
	ProviderType string
	Target       string
	Port         int
	Dimensions   uint
	Logger       *zap.Logger
}

func NewVectorDriver(o *NewVectorDriverOpts) (vector.Driver, error) {
	switch o.ProviderType {
	case "memory":
		return inmemory.NewDriver(), nil
	case "sqlite":
		return sqlitevec.NewSQLiteVecDriver(sqlitevec.Config{
			DBPath:     o.Target,
			Dimensions: o.Dimensions,
		}, o.Logger)
	case "qdrant":
		return qdrantdrv.NewQdrantDriver(qdrantdrv.Config{
			Host:       o.Target,
			Port:       o.Port,
			Dimensions: o.Dimensions,
		}, o.Logger)
	default:
		return nil, fmt.Errorf("unsupported vector store provider: %s", o.ProviderType)
	}
}
