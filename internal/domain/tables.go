package domain

var Tables = []interface{}{
	// System
	&SysConfig{},
	&SysOpr{},
	&SysOprLog{},
	// MDM
	&Device{},
	&EnrollSession{},
	&DeviceEvent{},
	&Command{},
	&FocusTemplate{},
}
