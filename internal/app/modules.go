package app

import (
	"github.com/vk/assetgrid/internal/pipeline"
	"github.com/vk/assetgrid/modules/bundle"
	copymod "github.com/vk/assetgrid/modules/copy"
	"github.com/vk/assetgrid/modules/luascript"
)

// coreModules is the definitive list of all pipeline modules that are
// compiled into the assetgrid binary.
var coreModules = []pipeline.Module{
	&copymod.Module{},
	&bundle.Module{},
	&luascript.Module{},
}
