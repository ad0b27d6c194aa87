package cmd

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"io/ioutil"
	"os"

	"github.com/brocaar/lorawan"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/flora-lorawan/flora-network-server/internal/band"
	"github.com/flora-lorawan/flora-network-server/internal/device"
	"github.com/flora-lorawan/flora-network-server/internal/storage"
)

var createFlags struct {
	devEUI    string
	devAddr   string
	region    string
	nwkKey    string
	appKey    string
	minor     uint8
	joinNonce uint32
}

var deviceCmd = &cobra.Command{
	Use:   "device",
	Short: "Manage the provisioned devices",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := setLogLevel(); err != nil {
			return err
		}
		return setupStorage()
	},
}

var deviceCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Provision a new device",
	RunE: func(cmd *cobra.Command, args []string) error {
		var p device.CreateParams
		var err error

		if err := p.DevEUI.UnmarshalText([]byte(createFlags.devEUI)); err != nil {
			return errors.Wrap(err, "decode dev_eui error")
		}
		if err := p.DevAddr.UnmarshalText([]byte(createFlags.devAddr)); err != nil {
			return errors.Wrap(err, "decode dev_addr error")
		}
		if p.NwkKey, err = hex.DecodeString(createFlags.nwkKey); err != nil {
			return errors.Wrap(err, "decode nwk_key error")
		}
		if p.AppKey, err = hex.DecodeString(createFlags.appKey); err != nil {
			return errors.Wrap(err, "decode app_key error")
		}
		p.Region = band.Name(createFlags.region)
		p.Minor = createFlags.minor
		p.JoinNonce = createFlags.joinNonce

		d, err := device.NewManager(band.DefaultRegistry()).Create(context.Background(), p)
		if err != nil {
			return errors.Wrap(err, "create device error")
		}

		log.WithFields(log.Fields{
			"dev_eui":  d.DevEUI,
			"dev_addr": d.DevAddr,
			"region":   d.Region,
		}).Info("device created")
		return nil
	},
}

var deviceExportCmd = &cobra.Command{
	Use:   "export [DevEUI]",
	Short: "Print the exported state of a device as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var devEUI lorawan.EUI64
		if err := devEUI.UnmarshalText([]byte(args[0])); err != nil {
			return errors.Wrap(err, "decode DevEUI error")
		}

		exp, err := device.NewManager(band.DefaultRegistry()).Export(context.Background(), devEUI)
		if err != nil {
			return errors.Wrap(err, "export device error")
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(exp)
	},
}

var deviceRestoreCmd = &cobra.Command{
	Use:   "restore [FILE]",
	Short: "Restore a device from an export (reads stdin when no file is given)",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var b []byte
		var err error

		if len(args) == 1 {
			b, err = ioutil.ReadFile(args[0])
		} else {
			b, err = ioutil.ReadAll(os.Stdin)
		}
		if err != nil {
			return errors.Wrap(err, "read export error")
		}

		d, err := device.NewManager(band.DefaultRegistry()).Restore(context.Background(), b)
		if err != nil {
			return errors.Wrap(err, "restore device error")
		}

		log.WithFields(log.Fields{
			"dev_eui":  d.DevEUI,
			"dev_addr": d.DevAddr,
			"joined":   d.Joined(),
		}).Info("device restored")
		return nil
	},
}

var deviceDestroyCmd = &cobra.Command{
	Use:   "destroy [DevEUI]",
	Short: "Remove a device",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var devEUI lorawan.EUI64
		if err := devEUI.UnmarshalText([]byte(args[0])); err != nil {
			return errors.Wrap(err, "decode DevEUI error")
		}

		if err := device.NewManager(band.DefaultRegistry()).Destroy(context.Background(), devEUI); err != nil {
			if errors.Cause(err) == storage.ErrDoesNotExist {
				log.WithField("dev_eui", devEUI).Warning("device does not exist")
				return nil
			}
			return errors.Wrap(err, "destroy device error")
		}

		log.WithField("dev_eui", devEUI).Info("device destroyed")
		return nil
	},
}

func init() {
	f := deviceCreateCmd.Flags()
	f.StringVar(&createFlags.devEUI, "dev-eui", "", "DevEUI (HEX encoded)")
	f.StringVar(&createFlags.devAddr, "dev-addr", "", "DevAddr (HEX encoded)")
	f.StringVar(&createFlags.region, "region", string(band.EU868), "region name")
	f.StringVar(&createFlags.nwkKey, "nwk-key", "", "NwkKey (HEX encoded)")
	f.StringVar(&createFlags.appKey, "app-key", "", "AppKey (HEX encoded, LoRaWAN 1.1 only)")
	f.Uint8Var(&createFlags.minor, "minor", 0, "LoRaWAN minor version (0 = 1.0, 1 = 1.1)")
	f.Uint32Var(&createFlags.joinNonce, "join-nonce", 0, "initial JoinNonce")
	cobra.MarkFlagRequired(f, "dev-eui")
	cobra.MarkFlagRequired(f, "dev-addr")
	cobra.MarkFlagRequired(f, "nwk-key")

	deviceCmd.AddCommand(deviceCreateCmd)
	deviceCmd.AddCommand(deviceExportCmd)
	deviceCmd.AddCommand(deviceRestoreCmd)
	deviceCmd.AddCommand(deviceDestroyCmd)
}
