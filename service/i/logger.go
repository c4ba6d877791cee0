package i

import general_i "github.com/beka-birhanu/vinom-common/interfaces/general"

// Logger is the logging sink shared by every component.
type Logger = general_i.Logger
